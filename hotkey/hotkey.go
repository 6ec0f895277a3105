// Package hotkey delivers global Ctrl+Shift+Space press and release events,
// reading evdev directly on linux and going through the desktop hotkey API
// elsewhere.
package hotkey

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}
