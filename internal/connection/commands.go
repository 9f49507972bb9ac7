package connection

import (
	"fmt"
	"log"

	"github.com/monashpm/crankmeter/internal/config"
)

// Inbound command names, fixed by existing consumers.
const (
	CmdSetConfiguration     = "set-configuration"
	CmdPerformADCZeroOffset = "perform-adc-zero-offset"
)

// zeroOffsetSampleCount is the averaging window perform-adc-zero-offset
// arms on both sides.
const zeroOffsetSampleCount = 200

// ZeroOffsetArmer is the slice of the side task the command dispatcher
// needs: arming an N-sample zero-offset calibration.
type ZeroOffsetArmer interface {
	ArmZeroOffsetCalibration(n int)
}

// Commands dispatches the inbound command set a transport receives from
// its remote consumer.
type Commands struct {
	Cfg   *config.Store
	Sides [2]ZeroOffsetArmer
}

// Handle runs one inbound command. set-configuration carries a JSON
// patch mirroring the configuration snapshot shape; an invalid patch is
// rejected with the running configuration untouched.
// perform-adc-zero-offset carries no payload and arms the averaging
// countdown on both sides.
func (c *Commands) Handle(name string, payload []byte) error {
	switch name {
	case CmdSetConfiguration:
		next, err := c.Cfg.Load().ApplyJSON(payload)
		if err != nil {
			return fmt.Errorf("connection: %s: %w", name, err)
		}
		c.Cfg.Replace(next)
		if err := next.Save(); err != nil {
			log.Printf("[connection] %s applied but not persisted: %v", name, err)
		}
		return nil
	case CmdPerformADCZeroOffset:
		for _, s := range c.Sides {
			if s != nil {
				s.ArmZeroOffsetCalibration(zeroOffsetSampleCount)
			}
		}
		return nil
	default:
		return fmt.Errorf("connection: unknown command %q", name)
	}
}
