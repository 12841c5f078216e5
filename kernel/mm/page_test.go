package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		input Size
		exp   uint32
	}{
		{0, 0},
		{1, 1},
		{Size(PageSize), 1},
		{Size(PageSize) + 1, 2},
		{4 * Mb, 1024},
	}

	for specIndex, spec := range specs {
		if got := spec.input.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestMemRegionFrames(t *testing.T) {
	specs := []struct {
		region   MemRegion
		expStart Frame
		expEnd   Frame
		expCount uint32
	}{
		// values reported by qemu for the first two available regions
		{MemRegion{0, 0x9fc00}, 0, 159, 159},
		{MemRegion{0x100000, 0x7ee0000}, 256, 32736, 32480},
		// unaligned bounds get rounded inwards
		{MemRegion{0x1001, 0x3000}, 2, 4, 2},
		// region smaller than a frame
		{MemRegion{0x1800, 0x800}, 2, 2, 0},
		{MemRegion{0x1001, 0x10}, 2, 1, 0},
	}

	for specIndex, spec := range specs {
		if got := spec.region.StartFrame(); got != spec.expStart {
			t.Errorf("[spec %d] expected start frame %d; got %d", specIndex, spec.expStart, got)
		}
		if got := spec.region.EndFrame(); got != spec.expEnd {
			t.Errorf("[spec %d] expected end frame %d; got %d", specIndex, spec.expEnd, got)
		}
		if got := spec.region.FrameCount(); got != spec.expCount {
			t.Errorf("[spec %d] expected frame count %d; got %d", specIndex, spec.expCount, got)
		}
	}
}
