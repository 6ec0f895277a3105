package audio

import "sync"

// FakeContext hands out driver-fed capture devices for tests: no hardware,
// no timing, the test pushes PCM whenever it wants.
type FakeContext struct {
	mu         sync.Mutex
	devices    []DeviceInfo
	captures   []*FakeCapture
	err        error
	devicesErr error
}

func NewFakeContext(devices ...DeviceInfo) *FakeContext {
	return &FakeContext{devices: devices}
}

// FailCapture makes NewCapture return err.
func (f *FakeContext) FailCapture(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// FailDevices makes Devices return err.
func (f *FakeContext) FailDevices(err error) {
	f.mu.Lock()
	f.devicesErr = err
	f.mu.Unlock()
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	return append([]DeviceInfo(nil), f.devices...), nil
}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	name := "fake"
	if device != nil {
		name = device.Name
	}
	c := &FakeCapture{name: name}
	f.captures = append(f.captures, c)
	return c, nil
}

func (f *FakeContext) Close() {}

// Last returns the most recently opened capture, or nil.
func (f *FakeContext) Last() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return nil
	}
	return f.captures[len(f.captures)-1]
}

// FakeCapture is one fake microphone. Push delivers PCM to the installed
// callback as the audio thread would.
type FakeCapture struct {
	name string

	mu      sync.Mutex
	cb      DataCallback
	started bool
	closed  bool
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

func (c *FakeCapture) Close() {
	c.mu.Lock()
	c.started = false
	c.closed = true
	c.mu.Unlock()
}

func (c *FakeCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *FakeCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *FakeCapture) DeviceName() string { return c.name }

func (c *FakeCapture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *FakeCapture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push feeds 16-bit mono PCM through the callback. Frames pushed while the
// device is stopped or the callback is cleared are dropped, matching real
// device behavior.
func (c *FakeCapture) Push(pcm []byte) {
	c.mu.Lock()
	cb := c.cb
	started := c.started
	c.mu.Unlock()
	if !started || cb == nil {
		return
	}
	cb(pcm, uint32(len(pcm)/2))
}
