package mainloop

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// CommandsKey is the key of the command queue inside a map's values.
const CommandsKey = "commands"

// View is one side's picture of the synchronized state. The device authors
// ToCloud and mirrors FromCloud, the CA does the opposite.
type View struct {
	DeviceView bool   `json:"deviceView"`
	ToCloud    OneMap `json:"toCloud"`
	FromCloud  OneMap `json:"fromCloud"`
}

// OneMap is a versioned bag of values. Version 0 means uninitialized.
type OneMap struct {
	Version int64          `json:"version"`
	Values  map[string]any `json:"values"`
}

// CommandQueue is an append-only window over a global sequence of commands
// (or of their responses). FirstIndex is the global index of Values[0].
type CommandQueue struct {
	FirstIndex   int64  `json:"firstIndex"`
	LastModified *int64 `json:"lastModified,omitempty"`
	Values       []any  `json:"values"`
}

// End is the global index right after the last queued entry.
func (q *CommandQueue) End() int64 {
	return q.FirstIndex + int64(len(q.Values))
}

// EmptyView returns an uninitialized device view.
func EmptyView() *View {
	return &View{
		DeviceView: true,
		ToCloud:    OneMap{Values: map[string]any{}},
		FromCloud:  OneMap{Values: map[string]any{}},
	}
}

// IsEmpty reports whether neither map has been initialized.
func (v *View) IsEmpty() bool {
	return v.ToCloud.Version == 0 && v.FromCloud.Version == 0
}

func (v *View) ensureValues() {
	if v.ToCloud.Values == nil {
		v.ToCloud.Values = map[string]any{}
	}
	if v.FromCloud.Values == nil {
		v.FromCloud.Values = map[string]any{}
	}
}

// commandQueue extracts the device's queue stored under values["commands"].
// A decoded JSON object is converted and written back, so later changes to
// the returned queue are visible through values. It returns nil if there is
// no queue.
func commandQueue(values map[string]any) (*CommandQueue, error) {
	q, err := PeekQueue(values)
	if err != nil || q == nil {
		return q, err
	}
	values[CommandsKey] = q
	return q, nil
}

// PeekQueue decodes the command queue stored under CommandsKey without
// modifying values. It returns nil when there is no queue.
func PeekQueue(values map[string]any) (*CommandQueue, error) {
	raw, ok := values[CommandsKey]
	if !ok || raw == nil {
		return nil, nil
	}
	if q, ok := raw.(*CommandQueue); ok {
		return q, nil
	}

	q := &CommandQueue{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           q,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("bad command queue: %w", err)
	}
	return q, nil
}

// gcResponses drops the device's queued responses once the CA has seen the
// version that carried them. It reports whether anything was collected.
func gcResponses(device, ca *View) (bool, error) {
	q, err := commandQueue(device.ToCloud.Values)
	if err != nil || q == nil || q.LastModified == nil {
		return false, err
	}
	lastSeen := ca.ToCloud.Version
	if lastSeen <= 0 || *q.LastModified <= 0 || lastSeen < *q.LastModified {
		return false, nil
	}
	q.FirstIndex = q.End()
	q.LastModified = nil
	q.Values = []any{}
	return true, nil
}

// pendingCommands returns the CA commands the device has not consumed yet,
// and the global index of the first one.
func pendingCommands(device, ca *View) (int64, []any, error) {
	in, err := PeekQueue(ca.FromCloud.Values)
	if err != nil || in == nil {
		return 0, nil, err
	}
	out, err := commandQueue(device.ToCloud.Values)
	if err != nil {
		return 0, nil, err
	}

	var consumed int64
	if out != nil {
		consumed = out.End()
	}
	delta := consumed - in.FirstIndex
	if delta < 0 {
		delta = 0
	}
	if int64(len(in.Values)) <= delta {
		return 0, nil, nil
	}
	return in.FirstIndex + delta, in.Values[delta:], nil
}

// addResponses queues the results of the commands starting at firstIndex,
// stamped with the version that will carry them. Responses not yet seen by
// the CA are kept when the new batch follows them directly.
func addResponses(device *View, firstIndex int64, outputs []any) error {
	q, err := commandQueue(device.ToCloud.Values)
	if err != nil {
		return err
	}
	stamp := device.ToCloud.Version + 1
	if q != nil && q.LastModified != nil && len(q.Values) > 0 && q.End() == firstIndex {
		q.Values = append(q.Values, outputs...)
		q.LastModified = &stamp
		return nil
	}
	device.ToCloud.Values[CommandsKey] = &CommandQueue{
		FirstIndex:   firstIndex,
		LastModified: &stamp,
		Values:       outputs,
	}
	return nil
}

// updateVersions publishes a new version of the device's map and records
// which CA version it has seen.
func updateVersions(device, ca *View) {
	device.ToCloud.Version++
	device.FromCloud.Version = ca.FromCloud.Version
}
