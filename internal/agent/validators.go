package agent

import (
	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/perception"
	"github.com/xkilldash9x/rankbot/internal/policy"
)

// Validators returns the install-time checks for both stages. Decision models
// must accept exactly schemaLen inputs.
func Validators(schemaLen int) map[schemas.ModelKind]modelhub.Validator {
	return map[schemas.ModelKind]modelhub.Validator{
		schemas.ModelDetection: perception.ValidateSession,
		schemas.ModelDecision: func(s inference.Session) error {
			return policy.ValidateSession(s, schemaLen)
		},
	}
}
