// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compact"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
	"github.com/stretchr/testify/require"
)

func readServiceTable(t *testing.T, fs vfs.FS, path string) []string {
	f, err := fs.Open(path)
	require.NoError(t, err)
	r, err := sstable.NewReader(f, sstable.ReaderOptions{})
	require.NoError(t, err)
	iter, err := r.NewIter()
	require.NoError(t, err)
	var records []string
	for kv := iter.First(); kv != nil; kv = iter.Next() {
		records = append(records, fmt.Sprintf("%s:%s", kv.K, kv.V))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	require.NoError(t, r.Close())
	return records
}

func TestServiceInputCodec(t *testing.T) {
	t.Run("round-trip", func(t *testing.T) {
		in := &ServiceInput{
			CatalogName: "db",
			DBID:        "b3f1c6d0-8b2e-4c41-9a77-51e2f0a1c9aa",
			Snapshots:   []base.SeqNum{3, 9, 41},
			Inputs: []ServiceInputFile{
				{Level: 0, Name: "000004.sst"},
				{Level: 0, Name: "000007.sst"},
				{Level: 2, Name: "000013.sst"},
			},
			OutputLevel:    3,
			Begin:          []byte("c"),
			End:            []byte("p"),
			OptionsFileNum: 12,
		}
		out, err := DecodeServiceInput(EncodeServiceInput(in))
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("nil-bounds", func(t *testing.T) {
		in := &ServiceInput{
			CatalogName: "db",
			Inputs:      []ServiceInputFile{{Level: 1, Name: "000002.sst"}},
			OutputLevel: 2,
		}
		out, err := DecodeServiceInput(EncodeServiceInput(in))
		require.NoError(t, err)
		require.Equal(t, in, out)
		require.Nil(t, out.Begin)
		require.Nil(t, out.End)
	})

	t.Run("empty-bounds", func(t *testing.T) {
		// An empty bound is not a nil bound; the codec preserves the
		// distinction.
		in := &ServiceInput{
			CatalogName: "db",
			Inputs:      []ServiceInputFile{{Level: 1, Name: "000002.sst"}},
			OutputLevel: 2,
			Begin:       []byte{},
			End:         []byte("k"),
		}
		out, err := DecodeServiceInput(EncodeServiceInput(in))
		require.NoError(t, err)
		require.Equal(t, in, out)
		require.NotNil(t, out.Begin)
		require.Empty(t, out.Begin)
	})
}

func TestServiceResultCodec(t *testing.T) {
	t.Run("round-trip", func(t *testing.T) {
		res := &ServiceResult{
			Status:      ServiceOK,
			OutputLevel: 4,
			OutputPath:  "scratch/job-7",
			Outputs: []ServiceOutputFile{
				{
					Name:             "000001.sst",
					Placement:        base.PlaceProximal,
					Size:             4096,
					Smallest:         base.ParseInternalKey("a#12,SET"),
					Largest:          base.ParseInternalKey("f#9,SET"),
					SmallestSeqNum:   9,
					LargestSeqNum:    12,
					NumEntries:       40,
					Checksum:         "0123456789abcdef0123456789abcdef",
					ChecksumFuncName: sstable.FileChecksumFuncName,
					ParanoidHash:     0xdeadbeef,
				},
				{
					Name:             "000002.sst",
					Placement:        base.PlacePrimary,
					Size:             8192,
					Smallest:         base.ParseInternalKey("a#3,SET"),
					Largest:          base.ParseInternalKey("z#1,DEL"),
					SmallestSeqNum:   1,
					LargestSeqNum:    3,
					NumEntries:       77,
					Checksum:         "fedcba9876543210fedcba9876543210",
					ChecksumFuncName: sstable.FileChecksumFuncName,
				},
			},
			BytesRead:    1 << 20,
			BytesWritten: 12288,
			Stats: JobStats{
				Duration:         3 * time.Second,
				NumInputFiles:    3,
				NumInputRecords:  150,
				TotalInputBytes:  1 << 20,
				NumOutputFiles:   2,
				NumOutputRecords: 117,
				TotalOutputBytes: 12288,
				Dropped: compact.DroppedCounts{
					Superseded:        20,
					ObsoleteTombstone: 5,
					SingleDelConsumed: 4,
					MergeFolded:       3,
					OutOfRange:        1,
				},
			},
			Levels: [base.NumPlacements]LevelStats{
				{NumTables: 1, NumRecords: 77, BytesWritten: 8192},
				{NumTables: 1, NumRecords: 40, BytesWritten: 4096},
			},
		}
		out, err := DecodeServiceResult(EncodeServiceResult(res))
		require.NoError(t, err)
		require.Equal(t, res, out)
	})

	t.Run("failed", func(t *testing.T) {
		res := &ServiceResult{
			Status:      ServiceFailed,
			Message:     "open 000004.sst: file does not exist",
			OutputLevel: 2,
			OutputPath:  "scratch/job-9",
		}
		out, err := DecodeServiceResult(EncodeServiceResult(res))
		require.NoError(t, err)
		require.Equal(t, res, out)
	})
}

func TestServiceCodecErrors(t *testing.T) {
	input := EncodeServiceInput(&ServiceInput{
		CatalogName:    "db",
		DBID:           "id",
		Snapshots:      []base.SeqNum{8},
		Inputs:         []ServiceInputFile{{Level: 0, Name: "000004.sst"}},
		OutputLevel:    1,
		Begin:          []byte("b"),
		OptionsFileNum: 3,
	})
	result := EncodeServiceResult(&ServiceResult{
		Status:     ServiceOK,
		OutputPath: "out",
		Outputs:    []ServiceOutputFile{{Name: "000001.sst", Size: 10}},
	})

	t.Run("unknown-version", func(t *testing.T) {
		bad := append([]byte(nil), input...)
		bad[0] = 99
		_, err := DecodeServiceInput(bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown service codec version 99")
		_, err = DecodeServiceResult(bad)
		require.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		// Every proper prefix is malformed; decode must fail rather than
		// return a partial message.
		for i := 0; i < len(input); i++ {
			_, err := DecodeServiceInput(input[:i])
			require.Error(t, err, "prefix of length %d", i)
		}
		for i := 0; i < len(result); i++ {
			_, err := DecodeServiceResult(result[:i])
			require.Error(t, err, "prefix of length %d", i)
		}
	})

	t.Run("trailing-bytes", func(t *testing.T) {
		bad := append(append([]byte(nil), input...), 0)
		_, err := DecodeServiceInput(bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "trailing bytes")
	})

	t.Run("invalid-presence-flag", func(t *testing.T) {
		d := &serviceDecoder{data: []byte{2}}
		_, err := d.readOptionalBytes()
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid presence flag")
	})

	t.Run("invalid-placement", func(t *testing.T) {
		bad := EncodeServiceResult(&ServiceResult{
			Status:  ServiceOK,
			Outputs: []ServiceOutputFile{{Name: "000001.sst", Placement: base.Placement(7)}},
		})
		_, err := DecodeServiceResult(bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid placement")
	})
}

func TestRunServiceJob(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		fs := vfs.NewMem()
		require.NoError(t, fs.MkdirAll("src", 0755))
		writeTestTable(t, fs, "src/000001.sst", "a#5,SET:old", "b#5,SET:keep")
		writeTestTable(t, fs, "src/000002.sst", "a#9,SET:new", "c#9,DEL:")

		// A snapshot splits the versions of "a" into separate stripes, and
		// the executor cannot prove the tombstone dead: everything except
		// same-stripe supersessions survives, sequence numbers intact.
		res := RunServiceJob(&Options{FS: fs}, "src", "out", &ServiceInput{
			CatalogName: "src",
			Snapshots:   []base.SeqNum{7},
			Inputs: []ServiceInputFile{
				{Level: 0, Name: "000001.sst"},
				{Level: 0, Name: "000002.sst"},
			},
			OutputLevel: 2,
		})
		require.Equal(t, ServiceOK, res.Status, "%s", res.Message)
		require.Empty(t, res.Message)
		require.Equal(t, 2, res.OutputLevel)
		require.Equal(t, "out", res.OutputPath)
		require.Len(t, res.Outputs, 1)

		out := res.Outputs[0]
		require.Equal(t, base.PlacePrimary, out.Placement)
		require.Equal(t, []string{"a#9,SET:new", "a#5,SET:old", "b#5,SET:keep", "c#9,DEL:"},
			readServiceTable(t, fs, fs.PathJoin("out", out.Name)))
		require.Equal(t, uint64(4), out.NumEntries)
		require.Equal(t, base.SeqNum(5), out.SmallestSeqNum)
		require.Equal(t, base.SeqNum(9), out.LargestSeqNum)
		require.NotEmpty(t, out.Checksum)
		require.Equal(t, sstable.FileChecksumFuncName, out.ChecksumFuncName)

		require.Equal(t, int64(2), res.Stats.NumInputFiles)
		require.Equal(t, uint64(4), res.Stats.NumInputRecords)
		require.Equal(t, uint64(4), res.Stats.NumOutputRecords)
		require.Zero(t, res.Stats.Dropped.Total())
		require.NotZero(t, res.BytesRead)
		require.Equal(t, out.Size, res.BytesWritten)
		require.Equal(t, res.BytesRead, res.Stats.TotalInputBytes)
	})

	t.Run("supersede", func(t *testing.T) {
		fs := vfs.NewMem()
		require.NoError(t, fs.MkdirAll("src", 0755))
		writeTestTable(t, fs, "src/000001.sst", "a#5,SET:old", "a#3,SET:older")

		// Without snapshots the versions share a stripe, so the merge may
		// still drop superseded versions.
		res := RunServiceJob(&Options{FS: fs}, "src", "out", &ServiceInput{
			Inputs:      []ServiceInputFile{{Level: 0, Name: "000001.sst"}},
			OutputLevel: 1,
		})
		require.Equal(t, ServiceOK, res.Status, "%s", res.Message)
		require.Len(t, res.Outputs, 1)
		require.Equal(t, []string{"a#5,SET:old"},
			readServiceTable(t, fs, fs.PathJoin("out", res.Outputs[0].Name)))
		require.Equal(t, uint64(1), res.Stats.Dropped.Superseded)
	})

	t.Run("missing-input", func(t *testing.T) {
		fs := vfs.NewMem()
		require.NoError(t, fs.MkdirAll("src", 0755))
		res := RunServiceJob(&Options{FS: fs}, "src", "out", &ServiceInput{
			Inputs:      []ServiceInputFile{{Level: 0, Name: "000009.sst"}},
			OutputLevel: 1,
		})
		require.Equal(t, ServiceFailed, res.Status)
		require.NotEmpty(t, res.Message)
		require.Empty(t, res.Outputs)
	})
}

func TestRunServiceJobShards(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("src", 0755))
	writeTestTable(t, fs, "src/000001.sst",
		"a#1,SET:1", "c#1,SET:2", "m#1,SET:3", "t#1,SET:4")
	writeTestTable(t, fs, "src/000002.sst",
		"b#2,SET:5", "n#2,SET:6", "z#2,SET:7")

	input := &ServiceInput{
		Inputs: []ServiceInputFile{
			{Level: 0, Name: "000001.sst"},
			{Level: 0, Name: "000002.sst"},
		},
		OutputLevel: 2,
	}
	// Shard the job at "m". Each shard gets its own output path; the codec
	// and executor keep the shards independent.
	left := *input
	left.End = []byte("m")
	right := *input
	right.Begin = []byte("m")

	resLeft := RunServiceJob(&Options{FS: fs}, "src", "out-left", &left)
	require.Equal(t, ServiceOK, resLeft.Status, "%s", resLeft.Message)
	resRight := RunServiceJob(&Options{FS: fs}, "src", "out-right", &right)
	require.Equal(t, ServiceOK, resRight.Status, "%s", resRight.Message)

	var merged []string
	for _, shard := range []*ServiceResult{resLeft, resRight} {
		for _, out := range shard.Outputs {
			merged = append(merged, readServiceTable(t, fs, fs.PathJoin(shard.OutputPath, out.Name))...)
		}
	}
	require.Equal(t, []string{
		"a#1,SET:1", "b#2,SET:5", "c#1,SET:2",
		"m#1,SET:3", "n#2,SET:6", "t#1,SET:4", "z#2,SET:7",
	}, merged)

	// Records pulled past the shard boundary are counted, not emitted.
	require.Equal(t, uint64(3), resLeft.Stats.NumOutputRecords)
	require.Equal(t, uint64(4), resRight.Stats.NumOutputRecords)
	require.Equal(t, resLeft.Stats.NumInputRecords-resLeft.Stats.Dropped.OutOfRange,
		resLeft.Stats.NumOutputRecords)
}

func TestServiceCompaction(t *testing.T) {
	ec := &eventCollector{}
	e := newCompactionEnv(t, &Options{EventListener: ec.listener()})
	defer e.close()

	e.ingest(0, "a#11,SET:a0", "b#11,SET:b0", "d#11,DEL:")
	e.ingest(0, "a#12,SET:a1", "c#12,SET:c1")
	inputNums := levelFileNums(e.levelTables(0))

	plan := testPlan(1, e.planLevel(0))
	in, err := e.c.NewServiceInput(plan)
	require.NoError(t, err)
	require.Equal(t, "db", in.CatalogName)
	require.Equal(t, e.c.dbID.String(), in.DBID)
	require.Empty(t, in.Snapshots)
	require.Equal(t, 1, in.OutputLevel)
	require.NotZero(t, in.OptionsFileNum)
	require.Len(t, in.Inputs, 2)
	for i, m := range e.levelTables(0) {
		require.Equal(t, base.MakeFilename(base.FileTypeTable, m.FileNum), in.Inputs[i].Name)
		require.Equal(t, 0, in.Inputs[i].Level)
	}

	// Ship the descriptor through the codec, run the job as a remote
	// executor would, and ship the result back.
	shipped, err := DecodeServiceInput(EncodeServiceInput(in))
	require.NoError(t, err)
	res := RunServiceJob(&Options{FS: e.fs}, "db", "svc-out", shipped)
	require.Equal(t, ServiceOK, res.Status, "%s", res.Message)

	// The remote merge is conservative: the tombstone survives and nothing
	// is zeroed, but the superseded version of "a" is still dropped.
	require.Len(t, res.Outputs, 1)
	require.Equal(t, []string{"a#12,SET:a1", "b#11,SET:b0", "c#12,SET:c1", "d#11,DEL:"},
		readServiceTable(t, e.fs, e.fs.PathJoin("svc-out", res.Outputs[0].Name)))

	returned, err := DecodeServiceResult(EncodeServiceResult(res))
	require.NoError(t, err)
	require.NoError(t, e.c.InstallServiceResult(plan, returned))

	// One atomic edit replaced the inputs with the installed outputs.
	require.Empty(t, e.levelTables(0))
	installed := e.levelTables(1)
	require.Len(t, installed, 1)
	require.Equal(t, []string{"a#12,SET:a1", "b#11,SET:b0", "c#12,SET:c1", "d#11,DEL:"},
		e.readLevel(1))

	// The installed metadata inherits the inputs' lineage and carries the
	// executor's checksum under a fresh file number.
	m := installed[0]
	require.NotContains(t, inputNums, m.FileNum)
	require.Equal(t, uint64(1), m.EpochNumber)
	require.Equal(t, returned.Outputs[0].Checksum, m.Checksum)
	require.Equal(t, base.TemperatureWarm, m.Temperature)
	require.Equal(t, returned.Outputs[0].Size, m.Size)

	e.c.cleanupManager.Wait()
	require.Equal(t, []base.DiskFileNum{m.FileNum}, e.tableFileNums())

	var installs int
	ec.mu.Lock()
	for _, info := range ec.created {
		if info.Reason == "installing" {
			installs++
		}
	}
	ec.mu.Unlock()
	require.Equal(t, 1, installs)
	require.Equal(t, float64(1), testutil.ToFloat64(e.c.metrics.Compactions))

	// The plan's inputs are gone from the version, so a second install of
	// the same result must be rejected.
	err = e.c.InstallServiceResult(plan, returned)
	require.Error(t, err)
	require.Contains(t, err.Error(), "is not in L0")
}

func TestInstallServiceResultSharded(t *testing.T) {
	e := newCompactionEnv(t, nil)
	defer e.close()

	e.ingest(0, "a#1,SET:1", "c#1,SET:2", "m#1,SET:3", "t#1,SET:4")
	e.ingest(0, "b#2,SET:5", "n#2,SET:6", "z#2,SET:7")

	plan := testPlan(1, e.planLevel(0))
	in, err := e.c.NewServiceInput(plan)
	require.NoError(t, err)
	left := *in
	left.End = []byte("m")
	right := *in
	right.Begin = []byte("m")

	resLeft := RunServiceJob(&Options{FS: e.fs}, "db", "out-left", &left)
	require.Equal(t, ServiceOK, resLeft.Status, "%s", resLeft.Message)
	resRight := RunServiceJob(&Options{FS: e.fs}, "db", "out-right", &right)
	require.Equal(t, ServiceOK, resRight.Status, "%s", resRight.Message)

	// Both shards install as one version edit, in range order.
	require.NoError(t, e.c.InstallServiceResult(plan, resLeft, resRight))
	require.Empty(t, e.levelTables(0))
	require.Equal(t, []string{
		"a#1,SET:1", "b#2,SET:5", "c#1,SET:2",
		"m#1,SET:3", "n#2,SET:6", "t#1,SET:4", "z#2,SET:7",
	}, e.readLevel(1))
}

func TestNewServiceInputErrors(t *testing.T) {
	e := newCompactionEnv(t, nil)
	defer e.close()
	e.ingest(0, "a#1,SET:v")

	_, err := e.c.NewServiceInput(testPlan(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no inputs")

	plan := &CompactionPlan{
		Inputs:        []PlanLevel{e.planLevel(0)},
		OutputLevel:   2,
		ProximalLevel: 1,
	}
	_, err = e.c.NewServiceInput(plan)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot be executed remotely")
}

func TestInstallServiceResultErrors(t *testing.T) {
	e := newCompactionEnv(t, nil)
	defer e.close()

	e.ingest(0, "a#2,SET:new")
	e.ingest(0, "b#3,SET:x")
	inputNums := levelFileNums(e.levelTables(0))
	plan := testPlan(1, e.planLevel(0))

	in, err := e.c.NewServiceInput(plan)
	require.NoError(t, err)
	good := RunServiceJob(&Options{FS: e.fs}, "db", "svc-out", in)
	require.Equal(t, ServiceOK, good.Status, "%s", good.Message)

	t.Run("no-results", func(t *testing.T) {
		err := e.c.InstallServiceResult(plan)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no service results")
	})

	t.Run("failed-status", func(t *testing.T) {
		err := e.c.InstallServiceResult(plan, &ServiceResult{
			Status:  ServiceFailed,
			Message: "executor lost",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "cannot install service result")
	})

	t.Run("level-mismatch", func(t *testing.T) {
		bad := *good
		bad.OutputLevel = 2
		err := e.c.InstallServiceResult(plan, &bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "targets L2")
	})

	t.Run("unexpected-proximal", func(t *testing.T) {
		bad := *good
		bad.Outputs = append([]ServiceOutputFile(nil), good.Outputs...)
		bad.Outputs[0].Placement = base.PlaceProximal
		err := e.c.InstallServiceResult(plan, &bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "proximal output")
	})

	t.Run("size-mismatch", func(t *testing.T) {
		bad := *good
		bad.Outputs = append([]ServiceOutputFile(nil), good.Outputs...)
		bad.Outputs[0].Size++
		err := e.c.InstallServiceResult(plan, &bad)
		require.Error(t, err)
		require.Contains(t, err.Error(), "bytes, expected")

		// The rejected copies were removed and nothing was installed.
		e.c.cleanupManager.Wait()
		require.Equal(t, inputNums, e.tableFileNums())
		require.Equal(t, inputNums, levelFileNums(e.levelTables(0)))
	})

	// The valid result still installs after all those rejections.
	require.NoError(t, e.c.InstallServiceResult(plan, good))
	require.Empty(t, e.levelTables(0))
}

func TestInstallServiceResultChecksum(t *testing.T) {
	e := newCompactionEnv(t, &Options{ParanoidChecks: true})
	defer e.close()

	e.ingest(0, "a#2,SET:new")
	e.ingest(0, "b#3,SET:x")
	plan := testPlan(1, e.planLevel(0))
	in, err := e.c.NewServiceInput(plan)
	require.NoError(t, err)
	res := RunServiceJob(&Options{FS: e.fs}, "db", "svc-out", in)
	require.Equal(t, ServiceOK, res.Status, "%s", res.Message)

	// With paranoid checks the copied file is rehashed; a result lying
	// about its checksum is rejected even when the size matches.
	res.Outputs[0].Checksum = "00112233445566778899aabbccddeeff"
	err = e.c.InstallServiceResult(plan, res)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
	require.NotEmpty(t, e.levelTables(0))
}
