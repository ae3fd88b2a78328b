package api

import "testing"

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.FileIndex != -1 {
		t.Fatalf("file index default %d, want -1", opts.FileIndex)
	}
	if !opts.KeepFiles {
		t.Fatal("keep-files must default on")
	}
	if opts.ShareRatioLimit != 2.0 {
		t.Fatalf("share ratio default %f, want 2.0", opts.ShareRatioLimit)
	}
}

func TestOptionsFromVars(t *testing.T) {
	vars := StaticVars{
		VarFileIndex:         3,
		VarDownloadDir:       "/tmp/dl",
		VarKeepFiles:         false,
		VarUploadRateLimit:   int64(64),
		VarDownloadRateLimit: 128,
		VarShareRatioLimit:   1.25,
	}
	opts := OptionsFromVars(vars)

	if opts.FileIndex != 3 || opts.DownloadDir != "/tmp/dl" || opts.KeepFiles {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.UploadRateLimit != 64 || opts.DownloadRateLimit != 128 {
		t.Fatalf("rate limits not resolved: %+v", opts)
	}
	if opts.ShareRatioLimit != 1.25 {
		t.Fatalf("share ratio not resolved: %f", opts.ShareRatioLimit)
	}
}

func TestOptionsFromVarsFallsBack(t *testing.T) {
	opts := OptionsFromVars(StaticVars{})
	if opts != DefaultOptions() {
		t.Fatalf("unset vars must yield defaults, got %+v", opts)
	}
}

func TestHeapAllocator(t *testing.T) {
	var a Allocator = HeapAllocator{}
	b := a.Alloc(16)
	if len(b) != 16 {
		t.Fatalf("allocated %d bytes, want 16", len(b))
	}
	a.Release(b)
}
