package superblock

import "testing"

func sample() Superblock {
	return Superblock{
		InodesCount:     128,
		BlocksCount:     1024,
		FirstDataBlock:  1,
		LogBlockSize:    0,
		BlocksPerGroup:  8192,
		InodesPerGroup:  128,
		Magic:           Magic,
		RevLevel:        1,
		InodeSize:       128,
		FeatureROCompat: FeatureROSparseSuper,
	}
}

func TestParseMarshalRoundTrips(t *testing.T) {
	sb := sample()
	b := Marshal(sb)
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.InodesCount != sb.InodesCount || got.BlocksCount != sb.BlocksCount {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Magic != Magic {
		t.Fatalf("expected magic preserved, got %x", got.Magic)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	sb := sample()
	sb.Magic = 0
	b := Marshal(sb)
	if _, err := Parse(b); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestBlockSizeShiftsByLog(t *testing.T) {
	sb := sample()
	sb.LogBlockSize = 2
	if got := sb.BlockSize(); got != 4096 {
		t.Fatalf("expected 4096, got %d", got)
	}
}

func TestGroupCountRoundsUp(t *testing.T) {
	sb := sample()
	sb.BlocksCount = 1 + 8192 + 100
	if got := GroupCount(sb); got != 2 {
		t.Fatalf("expected 2 groups, got %d", got)
	}
}

func TestBackupGroupsSparseSuperPlacement(t *testing.T) {
	sb := sample()
	sb.BlocksCount = sb.FirstDataBlock + sb.BlocksPerGroup*10

	groups := BackupGroups(sb)
	want := map[uint32]bool{0: true, 1: true, 3: true, 5: true, 7: true, 9: true}
	got := map[uint32]bool{}
	for _, g := range groups {
		got[g] = true
	}
	for g := range want {
		if !got[g] {
			t.Fatalf("expected group %d to carry a backup, got %v", g, groups)
		}
	}
}

func TestBackupGroupsWithoutSparseSuperIsEveryGroup(t *testing.T) {
	sb := sample()
	sb.FeatureROCompat = 0
	sb.BlocksCount = sb.FirstDataBlock + sb.BlocksPerGroup*3

	groups := BackupGroups(sb)
	if len(groups) != int(GroupCount(sb)) {
		t.Fatalf("expected every group to carry a backup, got %v", groups)
	}
}

func TestGroupDescRoundTrips(t *testing.T) {
	descs := []GroupDesc{
		{BlockBitmap: 4, InodeBitmap: 5, InodeTable: 6, FreeBlocks: 100, FreeInodes: 50, UsedDirs: 2},
		{BlockBitmap: 10, InodeBitmap: 11, InodeTable: 12, FreeBlocks: 80, FreeInodes: 40, UsedDirs: 1},
	}
	b := MarshalGroupDescs(descs)
	got := ParseGroupDescs(b, uint32(len(descs)))
	for i := range descs {
		if got[i] != descs[i] {
			t.Fatalf("group desc %d mismatch: %+v vs %+v", i, got[i], descs[i])
		}
	}
}
