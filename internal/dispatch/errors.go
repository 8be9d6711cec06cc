package dispatch

import (
	"errors"
	"fmt"

	"github.com/EternisAI/silo-control/internal/store"
)

var (
	// ErrConflict marks benign races between sweeps and agent responses.
	ErrConflict         = errors.New("command conflict")
	ErrAlreadyAcked     = fmt.Errorf("%w: already acknowledged", ErrConflict)
	ErrAlreadyHandled   = fmt.Errorf("%w: already handled", ErrConflict)
	ErrAlreadyDelivered = fmt.Errorf("%w: already delivered", ErrConflict)
	ErrNotDelivered     = fmt.Errorf("%w: not delivered", ErrConflict)

	// ErrPolicy marks requests refused before anything is written.
	ErrPolicy            = errors.New("policy violation")
	ErrUnknownAgent      = fmt.Errorf("%w: unknown agent", ErrPolicy)
	ErrAgentDisabled     = fmt.Errorf("%w: agent is disabled or expired", ErrPolicy)
	ErrInvalidDependency = fmt.Errorf("%w: invalid dependency", ErrPolicy)
	ErrInvalidCommand    = fmt.Errorf("%w: invalid command", ErrPolicy)

	ErrCommandNotFound = fmt.Errorf("command %w", store.ErrNotFound)
)
