package store

import (
	"context"

	"github.com/inkwell/childbook/internal/model"
)

// HandleStore persists the current instance record between runs. Load
// returns (nil, nil) when nothing is stored.
type HandleStore interface {
	Load(ctx context.Context) (*model.InstanceRecord, error)
	Save(ctx context.Context, rec model.InstanceRecord) error
	Clear(ctx context.Context) error
}
