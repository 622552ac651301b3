package mock

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/diskfs/go-blobstore/backend"
)

func TestReadWriteFlushCrash(t *testing.T) {
	d := New(Options{DeviceBlockSize: 512, BlockCount: 16})

	payload := bytes.Repeat([]byte{0xab}, 512)
	if _, err := d.WriteAt(payload, 1024); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 512)
	if _, err := d.ReadAt(got, 1024); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatal("read back mismatch")
	}

	// crash before flush loses the write
	d.Crash()
	if _, err := d.ReadAt(got, 1024); err != nil {
		t.Fatalf("ReadAt after crash: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 512)) {
		t.Fatal("unflushed write survived the crash")
	}

	// flushed writes survive
	if _, err := d.WriteAt(payload, 1024); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	d.Crash()
	if _, err := d.ReadAt(got, 1024); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatal("flushed write lost across crash")
	}
}

func TestAlignmentAndRange(t *testing.T) {
	d := New(Options{DeviceBlockSize: 512, BlockCount: 4})
	if _, err := d.WriteAt(make([]byte, 100), 0); err == nil {
		t.Fatal("unaligned write accepted")
	}
	if _, err := d.ReadAt(make([]byte, 512), 512*10); err == nil {
		t.Fatal("out of range read accepted")
	}
}

func TestTrimRecording(t *testing.T) {
	d := New(Options{DeviceBlockSize: 512, BlockCount: 16, TrimSupport: true})
	payload := bytes.Repeat([]byte{0x7f}, 512)
	if _, err := d.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d.Trim(0, 512); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	got := make([]byte, 512)
	if _, err := d.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 512)) {
		t.Fatal("trimmed range did not read back as zeros")
	}
	if trims := d.Trims(); len(trims) != 1 || trims[0] != (TrimRange{0, 512}) {
		t.Fatalf("Trims = %v", d.Trims())
	}

	noTrim := New(Options{DeviceBlockSize: 512, BlockCount: 16})
	if err := noTrim.Trim(0, 512); err != backend.ErrTrimUnsupported {
		t.Fatalf("Trim on unsupported device = %v, want ErrTrimUnsupported", err)
	}
}

func TestHooksAndExtend(t *testing.T) {
	d := New(Options{DeviceBlockSize: 512, BlockCount: 4, WithinVolumeManager: true, SliceSize: 2048, MaxSize: 8192})

	d.SetHook(func(op backend.OpKind, _, _ int64) error {
		if op == backend.OpWrite {
			return fmt.Errorf("injected")
		}
		return nil
	})
	if _, err := d.WriteAt(make([]byte, 512), 0); err == nil {
		t.Fatal("hook did not fire")
	}
	d.SetHook(nil)
	if _, err := d.WriteAt(make([]byte, 512), 0); err != nil {
		t.Fatalf("WriteAt after clearing hook: %v", err)
	}

	if err := d.Extend(100); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	info, _ := d.Info()
	if info.BlockCount != 8 {
		t.Fatalf("BlockCount after extend = %d, want 8", info.BlockCount)
	}
	if err := d.Extend(1 << 20); err == nil {
		t.Fatal("extend past MaxSize accepted")
	}
}
