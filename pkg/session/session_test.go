// Copyright 2024 The Sallyport Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sallyport.dev/sallyport/pkg/shm"
	"sallyport.dev/sallyport/pkg/wire"
)

var testGeometry = Geometry{ContextCount: 4, MinBlockShift: 6, ArenaLen: 1 << 16}

func TestGeometryValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		g    Geometry
		ok   bool
	}{
		{"valid", testGeometry, true},
		{"zero contexts", Geometry{ContextCount: 0, MinBlockShift: 6, ArenaLen: 1 << 16}, false},
		{"too many contexts", Geometry{ContextCount: maxContexts + 1, MinBlockShift: 6, ArenaLen: 1 << 16}, false},
		{"shift below minimum", Geometry{ContextCount: 1, MinBlockShift: 5, ArenaLen: 1 << 16}, false},
		{"shift above maximum", Geometry{ContextCount: 1, MinBlockShift: 32, ArenaLen: 1 << 16}, false},
		{"zero arena", Geometry{ContextCount: 1, MinBlockShift: 6, ArenaLen: 0}, false},
		{"arena not granule multiple", Geometry{ContextCount: 1, MinBlockShift: 6, ArenaLen: 96}, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.g.Validate()
			if (err == nil) != test.ok {
				t.Errorf("Validate(%+v): got err=%v, want ok=%t", test.g, err, test.ok)
			}
		})
	}
}

func TestPlanLayout(t *testing.T) {
	l, err := PlanLayout(testGeometry)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}
	if l.ContextsOff != HeaderBytes {
		t.Errorf("ContextsOff: got %#x, want %#x", l.ContextsOff, HeaderBytes)
	}
	contextsEnd := l.ContextsOff + uint64(testGeometry.ContextCount)*wire.ContextSlotBytes
	if l.ArenaOff < contextsEnd {
		t.Errorf("arena at %#x overlaps context slots ending at %#x", l.ArenaOff, contextsEnd)
	}
	granule := uint64(1) << testGeometry.MinBlockShift
	if l.ArenaOff%granule != 0 {
		t.Errorf("arena offset %#x not aligned to granule %#x", l.ArenaOff, granule)
	}
	if l.RegionSize != l.ArenaOff+l.ArenaLen {
		t.Errorf("RegionSize: got %#x, want %#x", l.RegionSize, l.ArenaOff+l.ArenaLen)
	}
	// Context slots must tile without overlap.
	for id := uint32(1); id < l.ContextCount; id++ {
		if got, want := l.ContextOff(id), l.ContextOff(id-1)+wire.ContextSlotBytes; got != want {
			t.Errorf("ContextOff(%d): got %#x, want %#x", id, got, want)
		}
	}
}

func TestContextOffPanics(t *testing.T) {
	l, err := PlanLayout(testGeometry)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("ContextOff past the context count did not panic")
		}
	}()
	l.ContextOff(testGeometry.ContextCount)
}

func TestCreateAccept(t *testing.T) {
	region, l, err := Create(testGeometry)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer region.Destroy()
	if region.Size() < l.RegionSize {
		t.Fatalf("region of %#x bytes below layout size %#x", region.Size(), l.RegionSize)
	}

	got, err := Accept(region)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("accepted layout differs from created (-created +accepted):\n%s", diff)
	}
}

// corruptedRegion writes a session header, applies corrupt to it, and
// returns the region.
func corruptedRegion(t *testing.T, corrupt func(hdr []byte)) *shm.Region {
	t.Helper()
	l, err := PlanLayout(testGeometry)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}
	region := shm.NewFromBytes(make([]byte, l.RegionSize))
	if err := writeHeader(region, l); err != nil {
		t.Fatalf("writeHeader failed: %v", err)
	}
	hdr, err := region.Slice(0, HeaderBytes)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	corrupt(hdr)
	return region
}

func TestAcceptRejects(t *testing.T) {
	for _, test := range []struct {
		name    string
		corrupt func(hdr []byte)
	}{
		{"bad magic", func(hdr []byte) { binary.LittleEndian.PutUint32(hdr[0:], 0xdeadbeef) }},
		{"wrong version", func(hdr []byte) { binary.LittleEndian.PutUint32(hdr[4:], wire.ProtocolVersion+1) }},
		{"catalog digest mismatch", func(hdr []byte) { hdr[8] ^= 0xff }},
		{"zero contexts", func(hdr []byte) { binary.LittleEndian.PutUint32(hdr[40:], 0) }},
		{"bad block shift", func(hdr []byte) { binary.LittleEndian.PutUint32(hdr[44:], 2) }},
		{"arena offset mismatch", func(hdr []byte) { binary.LittleEndian.PutUint64(hdr[48:], 1<<20) }},
		{"arena length inflated past region", func(hdr []byte) { binary.LittleEndian.PutUint64(hdr[56:], 1<<24) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			region := corruptedRegion(t, test.corrupt)
			_, err := Accept(region)
			var ierr *IncompatibleError
			if !errors.As(err, &ierr) {
				t.Fatalf("Accept: got %v, want *IncompatibleError", err)
			}
		})
	}
}

func TestAcceptTruncatedRegion(t *testing.T) {
	region := shm.NewFromBytes(make([]byte, HeaderBytes/2))
	_, err := Accept(region)
	var ierr *IncompatibleError
	if !errors.As(err, &ierr) {
		t.Fatalf("Accept: got %v, want *IncompatibleError", err)
	}
}

func TestShutdownSetsFlag(t *testing.T) {
	l, err := PlanLayout(testGeometry)
	if err != nil {
		t.Fatalf("PlanLayout failed: %v", err)
	}
	region := shm.NewFromBytes(make([]byte, l.RegionSize))
	if err := writeHeader(region, l); err != nil {
		t.Fatalf("writeHeader failed: %v", err)
	}
	doorbell := region.LoadWord(DoorbellOff)
	Shutdown(region, l)
	if got := region.LoadWord(ShutdownOff); got == 0 {
		t.Error("shutdown word still zero after Shutdown")
	}
	if got := region.LoadWord(DoorbellOff); got == doorbell {
		t.Error("doorbell not bumped by Shutdown")
	}
}

func TestConfigGeometry(t *testing.T) {
	c := Config{ContextCount: 8, MinBlockSize: 128, ArenaSize: 1 << 20}
	g, err := c.Geometry()
	if err != nil {
		t.Fatalf("Geometry failed: %v", err)
	}
	want := Geometry{ContextCount: 8, MinBlockShift: 7, ArenaLen: 1 << 20}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("Geometry (-want +got):\n%s", diff)
	}

	for _, bad := range []Config{
		{ContextCount: 8, MinBlockSize: 0, ArenaSize: 1 << 20},
		{ContextCount: 8, MinBlockSize: 96, ArenaSize: 1 << 20},
		{ContextCount: 0, MinBlockSize: 64, ArenaSize: 1 << 20},
	} {
		if _, err := bad.Geometry(); err == nil {
			t.Errorf("Geometry(%+v) succeeded", bad)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	data := "context_count = 2\nmin_block_size = 64\narena_size = 65536\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	g, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := Geometry{ContextCount: 2, MinBlockShift: 6, ArenaLen: 65536}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("LoadConfig (-want +got):\n%s", diff)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig of missing file succeeded")
	}
}
