package connection

import (
	"testing"

	"github.com/monashpm/crankmeter/internal/config"
)

type fakeArmer struct {
	armedWith int
}

func (f *fakeArmer) ArmZeroOffsetCalibration(n int) { f.armedWith = n }

func newTestCommands() (*Commands, *fakeArmer, *fakeArmer) {
	left := &fakeArmer{}
	right := &fakeArmer{}
	cmds := &Commands{
		Cfg:   config.NewStore(config.Default()),
		Sides: [2]ZeroOffsetArmer{left, right},
	}
	return cmds, left, right
}

func TestSetConfigurationAppliesPatch(t *testing.T) {
	cmds, _, _ := newTestCommands()
	if err := cmds.Handle(CmdSetConfiguration, []byte(`{"imuDecimation": 5}`)); err != nil {
		t.Fatal(err)
	}
	if got := cmds.Cfg.Load().IMUDecimation; got != 5 {
		t.Fatalf("IMUDecimation = %d, want 5", got)
	}
}

func TestSetConfigurationRejectsInvalidPatch(t *testing.T) {
	cmds, _, _ := newTestCommands()
	if err := cmds.Handle(CmdSetConfiguration, []byte(`{"imuDecimation": 0}`)); err == nil {
		t.Fatal("expected rejection of imuDecimation=0")
	}
	if got := cmds.Cfg.Load().IMUDecimation; got != config.Default().IMUDecimation {
		t.Fatalf("previous configuration not retained, got %d", got)
	}
}

func TestPerformADCZeroOffsetArmsBothSides(t *testing.T) {
	cmds, left, right := newTestCommands()
	if err := cmds.Handle(CmdPerformADCZeroOffset, nil); err != nil {
		t.Fatal(err)
	}
	if left.armedWith != zeroOffsetSampleCount || right.armedWith != zeroOffsetSampleCount {
		t.Fatalf("armed with %d/%d, want %d on both sides", left.armedWith, right.armedWith, zeroOffsetSampleCount)
	}
}

func TestUnknownInboundCommandIsRejected(t *testing.T) {
	cmds, _, _ := newTestCommands()
	if err := cmds.Handle("not-a-command", nil); err == nil {
		t.Fatal("expected unknown command to fail")
	}
}
