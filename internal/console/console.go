// Package console provides the handlers behind the operator command
// surface: get-config, set-config, force-calibrate, reboot,
// reboot-to-bootloader, help. The console driver itself (whatever
// reads a line from a serial UART or USB CDC port and frames a reply)
// lives elsewhere; Dispatch is the thing it calls into.
package console

import (
	"encoding/json"
	"fmt"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/side"
)

// Command names, fixed by existing consumers.
const (
	CmdGetConfig          = "get-config"
	CmdSetConfig          = "set-config"
	CmdForceCalibrate     = "force-calibrate"
	CmdReboot             = "reboot"
	CmdRebootToBootloader = "reboot-to-bootloader"
	CmdHelp               = "help"
)

// ZeroOffsetSampleCount is the N-sample zero-offset averaging window
// force-calibrate arms on both sides.
const ZeroOffsetSampleCount = 200

// Result is what Dispatch returns for every command: Ok and either
// Body (success, already JSON-ready) or Error (failure message). The
// console driver is responsible for framing this onto the wire.
type Result struct {
	Ok    bool            `json:"ok"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

func okResult(body json.RawMessage) Result { return Result{Ok: true, Body: body} }
func errResult(format string, a ...any) Result {
	return Result{Ok: false, Error: fmt.Sprintf(format, a...)}
}

// notImplemented is the stub result for commands whose sequencing is
// an external collaborator's responsibility (reboot,
// reboot-to-bootloader).
func notImplemented(cmd string) Result {
	return errResult("%s: not implemented by the core", cmd)
}

// Dispatch is the core-side handler table for the console command
// surface. cfg is the live configuration store; sides must be exactly
// [left, right] so force-calibrate can arm both. payload carries the
// command-specific body (the JSON patch for set-config; ignored by
// every other command).
func Dispatch(cmd string, payload []byte, cfg *config.Store, sides [2]*side.Task) Result {
	switch cmd {
	case CmdGetConfig:
		return getConfig(cfg)
	case CmdSetConfig:
		return setConfig(cfg, payload)
	case CmdForceCalibrate:
		return forceCalibrate(sides)
	case CmdReboot:
		return notImplemented(CmdReboot)
	case CmdRebootToBootloader:
		return notImplemented(CmdRebootToBootloader)
	case CmdHelp:
		return help()
	default:
		return errResult("unknown command %q", cmd)
	}
}

func getConfig(cfg *config.Store) Result {
	body, err := json.Marshal(cfg.Load())
	if err != nil {
		return errResult("get-config: marshal: %v", err)
	}
	return okResult(body)
}

// setConfig deep-merges a partial JSON patch over the current
// snapshot, validates it, and only on success installs and persists
// the result. An invalid patch leaves the running configuration
// untouched.
func setConfig(cfg *config.Store, payload []byte) Result {
	current := cfg.Load()
	next, err := current.ApplyJSON(payload)
	if err != nil {
		return errResult("set-config: %v", err)
	}
	cfg.Replace(next)
	if err := next.Save(); err != nil {
		return errResult("set-config: applied but failed to persist: %v", err)
	}
	body, err := json.Marshal(next)
	if err != nil {
		return errResult("set-config: marshal: %v", err)
	}
	return okResult(body)
}

// forceCalibrate arms the zero-offset calibration countdown on both
// sides.
func forceCalibrate(sides [2]*side.Task) Result {
	for i, t := range sides {
		if t == nil {
			return errResult("force-calibrate: side %d task not wired", i)
		}
		t.ArmZeroOffsetCalibration(ZeroOffsetSampleCount)
	}
	return okResult(nil)
}

func help() Result {
	body, _ := json.Marshal([]string{
		CmdGetConfig, CmdSetConfig, CmdForceCalibrate,
		CmdReboot, CmdRebootToBootloader, CmdHelp,
	})
	return okResult(body)
}
