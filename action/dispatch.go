package action

import (
	"encoding/json"
	"fmt"
)

// Dispatch is the seam between the transport and the registry: the channel
// hands every inbound call here and never touches the Registry type, so
// either side can be swapped out in tests.
type Dispatch struct {
	reg *Registry
}

func NewDispatch(reg *Registry) *Dispatch {
	return &Dispatch{reg: reg}
}

// Dispatch runs one inbound action call. A capability that panics is
// contained here and reported as a plain error; the read loop above never
// sees the panic.
func (d *Dispatch) Dispatch(action, owner string, args []json.RawMessage) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("action %s/%s panicked: %v", owner, action, p)
		}
	}()
	return d.reg.Call(action, owner, args)
}

// Decode unmarshals args[i] into v. Capabilities use it to validate the
// argument list they were handed at the boundary instead of trusting it.
func Decode(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}
