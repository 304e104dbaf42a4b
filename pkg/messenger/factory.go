package messenger

import (
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/terror"
)

// New dispatches to the Messenger backend named by cfg.Backend.
func New(cfg config.MessengerConfig) (Messenger, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryMessenger(), nil
	case BackendNATS:
		return NewNATSMessenger(cfg.NATSURL)
	default:
		return nil, terror.New(terror.Invalid, "unknown messenger backend %q", cfg.Backend)
	}
}
