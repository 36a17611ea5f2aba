package nbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// fakeRunner scripts command results by command name and records every
// invocation.
type fakeRunner struct {
	calls   [][]string
	outputs map[string][]byte
	errs    map[string]error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if err := r.errs[name]; err != nil {
		return nil, err
	}
	return r.outputs[name], nil
}

// commands returns the names of all commands run, in order.
func (r *fakeRunner) commands() []string {
	var names []string
	for _, call := range r.calls {
		names = append(names, call[0])
	}
	return names
}

// fakeKernel builds dev and sys trees with the given number of nbd
// nodes, marking the listed indexes as busy via /sys/block/nbdN/pid.
func fakeKernel(t *testing.T, nodes int, busy ...int) (devDir, sysDir string) {
	t.Helper()
	devDir = t.TempDir()
	sysDir = t.TempDir()

	for i := range nodes {
		name := fmt.Sprintf("nbd%d", i)
		if err := os.WriteFile(filepath.Join(devDir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(sysDir, "block", name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	for _, i := range busy {
		pid := filepath.Join(sysDir, "block", fmt.Sprintf("nbd%d", i), "pid")
		if err := os.WriteFile(pid, []byte("4242\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return devDir, sysDir
}

func newTestManager(runner *fakeRunner, devDir, sysDir string) *QemuNBD {
	return &QemuNBD{
		runner:     runner,
		scanner:    NewLsblkScanner(runner),
		maxDevices: 4,
		maxPart:    16,
		devDir:     devDir,
		sysDir:     sysDir,
	}
}

func TestEnsureModule(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)
	if err := os.MkdirAll(filepath.Join(sysDir, "module", "nbd"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	if err := m.EnsureModule(context.Background()); err != nil {
		t.Fatalf("EnsureModule() error: %v", err)
	}

	want := []string{"modprobe", "nbd", "max_part=16"}
	if len(runner.calls) != 1 || !slices.Equal(runner.calls[0], want) {
		t.Errorf("EnsureModule() ran %v, want %v", runner.calls, want)
	}
}

func TestEnsureModuleModprobeFails(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{errs: map[string]error{"modprobe": errors.New("exit status 1")}}
	m := newTestManager(runner, devDir, sysDir)

	if err := m.EnsureModule(context.Background()); err == nil {
		t.Error("EnsureModule() succeeded, want modprobe error")
	}
}

func TestEnsureModuleNotPresentAfterModprobe(t *testing.T) {
	// modprobe exits 0 but /sys/module/nbd never appears
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	if err := m.EnsureModule(context.Background()); err == nil {
		t.Error("EnsureModule() succeeded without the module present")
	}
}

func TestFindFreeDevice(t *testing.T) {
	tests := []struct {
		name      string
		nodes     int
		busy      []int
		wantIndex int
		wantErr   bool
	}{
		{"all free picks first", 4, nil, 0, false},
		{"skips busy nodes", 4, []int{0, 1}, 2, false},
		{"gap in busy nodes", 4, []int{0, 2}, 1, false},
		{"all busy", 4, []int{0, 1, 2, 3}, 0, true},
		{"no device nodes at all", 0, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devDir, sysDir := fakeKernel(t, tt.nodes, tt.busy...)
			m := newTestManager(&fakeRunner{}, devDir, sysDir)

			dev, err := m.findFreeDevice()
			if tt.wantErr {
				if !errors.Is(err, ErrNoFreeDevice) {
					t.Errorf("findFreeDevice() error = %v, want ErrNoFreeDevice", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("findFreeDevice() error: %v", err)
			}
			if dev.Index != tt.wantIndex {
				t.Errorf("findFreeDevice() = %s, want index %d", dev.Path, tt.wantIndex)
			}
		})
	}
}

func TestAttach(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 4, 0)

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	dev, err := m.Attach(context.Background(), "/images/disk.qcow2", "qcow2", false)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	if want := filepath.Join(devDir, "nbd1"); dev.Path != want {
		t.Errorf("Attach() device = %s, want %s", dev.Path, want)
	}

	wantConnect := []string{"qemu-nbd", "--connect=" + dev.Path, "--format=qcow2", "/images/disk.qcow2"}
	if len(runner.calls) < 1 || !slices.Equal(runner.calls[0], wantConnect) {
		t.Errorf("Attach() first call = %v, want %v", runner.calls, wantConnect)
	}

	// udev settle runs after a successful connect
	if got := runner.commands(); !slices.Equal(got, []string{"qemu-nbd", "udevadm"}) {
		t.Errorf("Attach() commands = %v, want [qemu-nbd udevadm]", got)
	}
}

func TestAttachReadOnly(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	dev, err := m.Attach(context.Background(), "/images/disk.qcow2", "raw", true)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	want := []string{"qemu-nbd", "--connect=" + dev.Path, "--format=raw", "--read-only", "/images/disk.qcow2"}
	if !slices.Equal(runner.calls[0], want) {
		t.Errorf("Attach() call = %v, want %v", runner.calls[0], want)
	}
}

func TestAttachFails(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{errs: map[string]error{"qemu-nbd": errors.New("exit status 1")}}
	m := newTestManager(runner, devDir, sysDir)

	if _, err := m.Attach(context.Background(), "/images/disk.qcow2", "qcow2", false); err == nil {
		t.Error("Attach() succeeded, want qemu-nbd error")
	}

	// no settle after a failed connect
	if got := runner.commands(); !slices.Equal(got, []string{"qemu-nbd"}) {
		t.Errorf("Attach() commands = %v, want [qemu-nbd]", got)
	}
}

func TestAttachToleratesSettleFailure(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{errs: map[string]error{"udevadm": errors.New("executable file not found")}}
	m := newTestManager(runner, devDir, sysDir)

	if _, err := m.Attach(context.Background(), "/images/disk.qcow2", "qcow2", false); err != nil {
		t.Errorf("Attach() error: %v, want settle failure ignored", err)
	}
}

func TestAttachNoFreeDevice(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 2, 0, 1)

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	_, err := m.Attach(context.Background(), "/images/disk.qcow2", "qcow2", false)
	if !errors.Is(err, ErrNoFreeDevice) {
		t.Errorf("Attach() error = %v, want ErrNoFreeDevice", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("Attach() ran %v, want no commands", runner.calls)
	}
}

func TestDetach(t *testing.T) {
	devDir, sysDir := fakeKernel(t, 1)

	runner := &fakeRunner{}
	m := newTestManager(runner, devDir, sysDir)

	dev := &Device{Path: filepath.Join(devDir, "nbd0"), Index: 0}
	if err := m.Detach(context.Background(), dev); err != nil {
		t.Fatalf("Detach() error: %v", err)
	}

	want := []string{"qemu-nbd", "--disconnect", dev.Path}
	if len(runner.calls) != 1 || !slices.Equal(runner.calls[0], want) {
		t.Errorf("Detach() ran %v, want %v", runner.calls, want)
	}
}
