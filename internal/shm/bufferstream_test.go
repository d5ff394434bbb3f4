package shm

import "testing"

func TestNewBufferStreamSeedsFreeRing(t *testing.T) {
	cases := []struct {
		name       string
		blockSize  uint32
		blockCount uint32
	}{
		{"single block", 64, 1},
		{"small pool", 256, 4},
		{"many blocks", 1024, 33},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewBufferStream(tc.blockSize, tc.blockCount)
			if err != nil {
				t.Fatalf("NewBufferStream: %v", err)
			}
			defer s.Close()

			if got := s.Ready.ReadAvailable(); got != 0 {
				t.Errorf("ready ring holds %d bytes, want 0", got)
			}
			if got := s.Free.ReadAvailable(); got != int(tc.blockCount)*DescriptorSize {
				t.Errorf("free ring holds %d bytes, want %d descriptors", got, tc.blockCount)
			}

			seen := make(map[uint32]bool)
			for i := uint32(0); i < tc.blockCount; i++ {
				d, ok := s.AcquireFree()
				if !ok {
					t.Fatalf("free ring ran out at descriptor %d", i)
				}
				if d.Length != 0 {
					t.Errorf("seeded descriptor %d has length %d, want 0", d.BlockIndex, d.Length)
				}
				if seen[d.BlockIndex] {
					t.Errorf("block index %d seeded twice", d.BlockIndex)
				}
				seen[d.BlockIndex] = true
			}
			if _, ok := s.AcquireFree(); ok {
				t.Error("free ring should be exhausted")
			}
		})
	}
}

func TestNewBufferStreamRejectsZeroSizes(t *testing.T) {
	if _, err := NewBufferStream(0, 4); err == nil {
		t.Error("zero block size should fail")
	}
	if _, err := NewBufferStream(64, 0); err == nil {
		t.Error("zero block count should fail")
	}
}

func TestBufferStreamRecyclesBlocks(t *testing.T) {
	s, err := NewBufferStream(32, 2)
	if err != nil {
		t.Fatalf("NewBufferStream: %v", err)
	}
	defer s.Close()

	// Full producer/consumer cycle, several times around the pool.
	for round := 0; round < 5; round++ {
		d, ok := s.AcquireFree()
		if !ok {
			t.Fatalf("round %d: no free block", round)
		}
		block := s.Block(d.BlockIndex)
		copy(block, []byte("chunk"))
		d.Length = 5
		if !s.PushReady(d) {
			t.Fatalf("round %d: PushReady failed", round)
		}

		got, ok := s.PopReady()
		if !ok {
			t.Fatalf("round %d: PopReady failed", round)
		}
		if got.BlockIndex != d.BlockIndex || got.Length != 5 {
			t.Fatalf("round %d: popped %+v, want index %d length 5", round, got, d.BlockIndex)
		}
		if string(s.Block(got.BlockIndex)[:got.Length]) != "chunk" {
			t.Errorf("round %d: block payload corrupted", round)
		}
		if !s.Recycle(got) {
			t.Fatalf("round %d: Recycle failed", round)
		}
	}

	// After balanced cycles every index is back on the free ring.
	if got := s.Free.ReadAvailable(); got != 2*DescriptorSize {
		t.Errorf("free ring holds %d bytes after recycle, want %d", got, 2*DescriptorSize)
	}
}

func TestDescriptorRingCapacity(t *testing.T) {
	cases := []struct {
		blockCount uint32
		want       int
	}{
		{1, 64},
		{8, 64},
		{9, 128},
		{16, 128},
		{33, 512},
	}
	for _, tc := range cases {
		if got := DescriptorRingCapacity(tc.blockCount); got != tc.want {
			t.Errorf("DescriptorRingCapacity(%d) = %d, want %d", tc.blockCount, got, tc.want)
		}
	}
}

func TestPoolHeaderLayout(t *testing.T) {
	s, err := NewBufferStream(128, 3)
	if err != nil {
		t.Fatalf("NewBufferStream: %v", err)
	}
	defer s.Close()

	raw := s.Pool.Bytes()
	le := func(off int) uint32 {
		return uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
	}
	if le(0) != PoolMagic {
		t.Errorf("magic = %#x, want %#x", le(0), PoolMagic)
	}
	if le(4) != PoolVersion {
		t.Errorf("version = %d, want %d", le(4), PoolVersion)
	}
	if le(8) != 128 {
		t.Errorf("block size = %d, want 128", le(8))
	}
	if le(12) != 3 {
		t.Errorf("block count = %d, want 3", le(12))
	}
	if want := PoolBufferSize(128, 3); len(raw) != want {
		t.Errorf("pool region size = %d, want %d", len(raw), want)
	}
}
