package audio

import (
	"errors"
	"fmt"
	"io"
)

var errNoInputDevices = errors.New("no input devices found")

// ListDevices writes a human-readable device table to w, marking the
// system default input.
func ListDevices(drv Driver, w io.Writer) error {
	devs, err := drv.Devices()
	if err != nil {
		return err
	}
	def, _ := drv.DefaultInputIndex()
	for _, d := range devs {
		if d.MaxInputChannels < 1 {
			continue
		}
		mark := ""
		if d.Index == def {
			mark = " (default)"
		}
		fmt.Fprintf(w, "[%d] %s%s (in %d ch, %.0f Hz)\n", d.Index, d.Name, mark, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}
