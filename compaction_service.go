// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compact"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
)

// A compaction can be executed away from the catalog that planned it: the
// coordinator builds a ServiceInput from a plan, ships it to an executor
// that can reach the table files, and installs the ServiceResult that comes
// back. The executor runs without a live catalog, a snapshot list of its
// own, or a share of anyone's thread budget; it merges conservatively,
// never eliding tombstones or zeroing sequence numbers, since it cannot see
// the levels below the output. Correctness never depends on those
// eliminations, so a conservative remote merge installs cleanly.

// serviceCodecV1 is the only wire version this build reads and writes.
// Decoding rejects other versions outright rather than guessing at fields.
const serviceCodecV1 = 1

// ServiceStatusCode reports how a service job ended.
type ServiceStatusCode uint8

const (
	// ServiceOK means the job ran to completion and its outputs are ready
	// to install.
	ServiceOK ServiceStatusCode = iota
	// ServiceFailed means the job stopped on an error. Partial outputs have
	// been removed.
	ServiceFailed
	// ServiceCanceled means the job was cancelled before completing.
	ServiceCanceled
)

func (s ServiceStatusCode) String() string {
	switch s {
	case ServiceOK:
		return "ok"
	case ServiceFailed:
		return "failed"
	case ServiceCanceled:
		return "canceled"
	}
	return "unknown"
}

// ServiceInputFile names one input table of a service job.
type ServiceInputFile struct {
	// Level the table occupies in the coordinator's catalog.
	Level int
	// Name is the table's filename, resolved against the directory the
	// executor reads from.
	Name string
}

// ServiceInput describes a compaction job for a remote executor. It carries
// everything the executor needs and nothing that requires a live catalog:
// file names instead of metadata, a frozen snapshot list, and the number of
// the OPTIONS file holding the coordinator's tunables.
type ServiceInput struct {
	// CatalogName identifies the keyspace the job belongs to.
	CatalogName string
	// DBID is the coordinator's persistent identity.
	DBID string
	// Snapshots are the visible sequence numbers pinned at planning time,
	// ascending.
	Snapshots []base.SeqNum
	// Inputs are the participating tables, ordered by ascending level.
	Inputs []ServiceInputFile
	// OutputLevel receives the outputs once the coordinator installs them.
	OutputLevel int
	// Begin and End restrict the merge to the user keys in [Begin, End).
	// A nil bound is unbounded; the codec preserves the distinction between
	// a nil bound and an empty one. A coordinator that shards one plan
	// across executors gives each shard its own sub-range.
	Begin []byte
	End   []byte
	// OptionsFileNum names the coordinator's OPTIONS file, so the executor
	// compacts with matching tunables. Zero means use the executor's own
	// options.
	OptionsFileNum base.DiskFileNum
}

// NewServiceInput builds the descriptor for executing plan remotely. The
// returned input covers the plan's whole key space; callers sharding the
// job across executors copy it and set Begin and End per shard.
func (c *Catalog) NewServiceInput(plan *CompactionPlan) (*ServiceInput, error) {
	if len(plan.Inputs) == 0 {
		return nil, errors.New("shale: compaction plan has no inputs")
	}
	if plan.ProximalLevel >= 0 {
		return nil, errors.New("shale: proximal routing cannot be executed remotely")
	}
	input := &ServiceInput{
		CatalogName:    c.opts.FS.PathBase(c.dirname),
		DBID:           c.dbID.String(),
		OutputLevel:    plan.OutputLevel,
		OptionsFileNum: c.optionsFileNum,
	}
	c.mu.Lock()
	input.Snapshots = c.mu.snapshots.toSlice()
	c.mu.Unlock()
	for _, in := range plan.Inputs {
		for _, m := range in.Tables {
			input.Inputs = append(input.Inputs, ServiceInputFile{
				Level: in.Level,
				Name:  base.MakeFilename(base.FileTypeTable, m.FileNum),
			})
		}
	}
	return input, nil
}

// ServiceOutputFile carries the metadata of one table a service job wrote:
// everything the executor knows about the file, enough for the coordinator
// to install it without rereading it.
type ServiceOutputFile struct {
	// Name is the table's filename under the result's output path.
	Name string
	// Placement the writer assigned the table.
	Placement base.Placement
	// Size of the file in bytes.
	Size uint64
	// Smallest and Largest bound the keys in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// SmallestSeqNum and LargestSeqNum bound the records' sequence numbers.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	// NumEntries is the number of records in the table.
	NumEntries uint64
	// Checksum is the hex-encoded whole-file hash, computed with the
	// function named by ChecksumFuncName.
	Checksum         string
	ChecksumFuncName string
	// ParanoidHash is the writer's running record hash. Zero unless the
	// executor ran with paranoid checks.
	ParanoidHash uint64
}

// ServiceResult reports the outcome of a service job. A result with status
// ServiceOK lists the finished outputs under OutputPath together with the
// job's counters; any other status carries a message and no outputs.
type ServiceResult struct {
	Status  ServiceStatusCode
	Message string

	// OutputLevel echoes the descriptor's output level.
	OutputLevel int
	// OutputPath is the directory the outputs were written under.
	OutputPath string
	// Outputs are the finished tables, in key order.
	Outputs []ServiceOutputFile

	// BytesRead and BytesWritten are the executor's file IO totals.
	BytesRead    uint64
	BytesWritten uint64

	// Stats carries the job's counters; Levels splits the output side by
	// placement.
	Stats  JobStats
	Levels [base.NumPlacements]LevelStats
}

// EncodeServiceInput serializes input for transport. The encoding is
// versioned and self-contained; DecodeServiceInput inverts it exactly.
func EncodeServiceInput(input *ServiceInput) []byte {
	buf := []byte{serviceCodecV1}
	buf = appendServiceString(buf, input.CatalogName)
	buf = appendServiceString(buf, input.DBID)
	buf = binary.AppendUvarint(buf, uint64(len(input.Snapshots)))
	for _, s := range input.Snapshots {
		buf = binary.AppendUvarint(buf, uint64(s))
	}
	buf = binary.AppendUvarint(buf, uint64(len(input.Inputs)))
	for _, f := range input.Inputs {
		buf = binary.AppendUvarint(buf, uint64(f.Level))
		buf = appendServiceString(buf, f.Name)
	}
	buf = binary.AppendUvarint(buf, uint64(input.OutputLevel))
	buf = appendServiceOptionalBytes(buf, input.Begin)
	buf = appendServiceOptionalBytes(buf, input.End)
	buf = binary.AppendUvarint(buf, uint64(input.OptionsFileNum))
	return buf
}

// DecodeServiceInput parses an encoded descriptor. It returns an error on
// an unknown codec version or malformed data, never a partial result.
func DecodeServiceInput(data []byte) (*ServiceInput, error) {
	d, err := newServiceDecoder(data)
	if err != nil {
		return nil, err
	}
	input := &ServiceInput{}
	if input.CatalogName, err = d.readString(); err != nil {
		return nil, err
	}
	if input.DBID, err = d.readString(); err != nil {
		return nil, err
	}
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		s, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		input.Snapshots = append(input.Snapshots, base.SeqNum(s))
	}
	if n, err = d.readUvarint(); err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var f ServiceInputFile
		level, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		f.Level = int(level)
		if f.Name, err = d.readString(); err != nil {
			return nil, err
		}
		input.Inputs = append(input.Inputs, f)
	}
	level, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	input.OutputLevel = int(level)
	if input.Begin, err = d.readOptionalBytes(); err != nil {
		return nil, err
	}
	if input.End, err = d.readOptionalBytes(); err != nil {
		return nil, err
	}
	ofn, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	input.OptionsFileNum = base.DiskFileNum(ofn)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return input, nil
}

// EncodeServiceResult serializes result for transport back to the
// coordinator.
func EncodeServiceResult(result *ServiceResult) []byte {
	buf := []byte{serviceCodecV1}
	buf = binary.AppendUvarint(buf, uint64(result.Status))
	buf = appendServiceString(buf, result.Message)
	buf = binary.AppendUvarint(buf, uint64(result.OutputLevel))
	buf = appendServiceString(buf, result.OutputPath)
	buf = binary.AppendUvarint(buf, uint64(len(result.Outputs)))
	for i := range result.Outputs {
		f := &result.Outputs[i]
		buf = appendServiceString(buf, f.Name)
		buf = binary.AppendUvarint(buf, uint64(f.Placement))
		buf = binary.AppendUvarint(buf, f.Size)
		buf = appendServiceKey(buf, f.Smallest)
		buf = appendServiceKey(buf, f.Largest)
		buf = binary.AppendUvarint(buf, uint64(f.SmallestSeqNum))
		buf = binary.AppendUvarint(buf, uint64(f.LargestSeqNum))
		buf = binary.AppendUvarint(buf, f.NumEntries)
		buf = appendServiceString(buf, f.Checksum)
		buf = appendServiceString(buf, f.ChecksumFuncName)
		buf = binary.AppendUvarint(buf, f.ParanoidHash)
	}
	buf = binary.AppendUvarint(buf, result.BytesRead)
	buf = binary.AppendUvarint(buf, result.BytesWritten)
	buf = appendJobStats(buf, result.Stats)
	for p := range result.Levels {
		buf = binary.AppendUvarint(buf, uint64(result.Levels[p].NumTables))
		buf = binary.AppendUvarint(buf, result.Levels[p].NumRecords)
		buf = binary.AppendUvarint(buf, result.Levels[p].BytesWritten)
	}
	return buf
}

// DecodeServiceResult parses an encoded result. It returns an error on an
// unknown codec version or malformed data, never a partial result.
func DecodeServiceResult(data []byte) (*ServiceResult, error) {
	d, err := newServiceDecoder(data)
	if err != nil {
		return nil, err
	}
	result := &ServiceResult{}
	status, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	result.Status = ServiceStatusCode(status)
	if result.Message, err = d.readString(); err != nil {
		return nil, err
	}
	level, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	result.OutputLevel = int(level)
	if result.OutputPath, err = d.readString(); err != nil {
		return nil, err
	}
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		var f ServiceOutputFile
		if f.Name, err = d.readString(); err != nil {
			return nil, err
		}
		placement, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		if placement >= uint64(base.NumPlacements) {
			return nil, base.CorruptionErrorf("shale: invalid placement %d", placement)
		}
		f.Placement = base.Placement(placement)
		if f.Size, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if f.Smallest, err = d.readInternalKey(); err != nil {
			return nil, err
		}
		if f.Largest, err = d.readInternalKey(); err != nil {
			return nil, err
		}
		smallest, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		f.SmallestSeqNum = base.SeqNum(smallest)
		largest, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		f.LargestSeqNum = base.SeqNum(largest)
		if f.NumEntries, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if f.Checksum, err = d.readString(); err != nil {
			return nil, err
		}
		if f.ChecksumFuncName, err = d.readString(); err != nil {
			return nil, err
		}
		if f.ParanoidHash, err = d.readUvarint(); err != nil {
			return nil, err
		}
		result.Outputs = append(result.Outputs, f)
	}
	if result.BytesRead, err = d.readUvarint(); err != nil {
		return nil, err
	}
	if result.BytesWritten, err = d.readUvarint(); err != nil {
		return nil, err
	}
	if result.Stats, err = d.readJobStats(); err != nil {
		return nil, err
	}
	for p := range result.Levels {
		numTables, err := d.readUvarint()
		if err != nil {
			return nil, err
		}
		result.Levels[p].NumTables = int64(numTables)
		if result.Levels[p].NumRecords, err = d.readUvarint(); err != nil {
			return nil, err
		}
		if result.Levels[p].BytesWritten, err = d.readUvarint(); err != nil {
			return nil, err
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return result, nil
}

func appendServiceString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendServiceBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// appendServiceOptionalBytes writes a presence flag before the value, so a
// nil bound survives the round trip as nil and an empty bound as empty.
func appendServiceOptionalBytes(buf, b []byte) []byte {
	if b == nil {
		return binary.AppendUvarint(buf, 0)
	}
	buf = binary.AppendUvarint(buf, 1)
	return appendServiceBytes(buf, b)
}

func appendServiceKey(buf []byte, k base.InternalKey) []byte {
	buf = binary.AppendUvarint(buf, uint64(k.Size()))
	n := len(buf)
	buf = append(buf, make([]byte, k.Size())...)
	k.Encode(buf[n:])
	return buf
}

func appendJobStats(buf []byte, s JobStats) []byte {
	buf = binary.AppendUvarint(buf, uint64(s.Duration))
	buf = binary.AppendUvarint(buf, uint64(s.NumInputFiles))
	buf = binary.AppendUvarint(buf, s.NumInputRecords)
	buf = binary.AppendUvarint(buf, s.TotalInputBytes)
	buf = binary.AppendUvarint(buf, uint64(s.NumOutputFiles))
	buf = binary.AppendUvarint(buf, s.NumOutputRecords)
	buf = binary.AppendUvarint(buf, s.TotalOutputBytes)
	buf = binary.AppendUvarint(buf, s.Dropped.Superseded)
	buf = binary.AppendUvarint(buf, s.Dropped.ObsoleteTombstone)
	buf = binary.AppendUvarint(buf, s.Dropped.SingleDelConsumed)
	buf = binary.AppendUvarint(buf, s.Dropped.MergeFolded)
	buf = binary.AppendUvarint(buf, s.Dropped.OutOfRange)
	return buf
}

var errServiceTruncated = base.CorruptionErrorf("shale: truncated service message")

type serviceDecoder struct {
	data []byte
}

func newServiceDecoder(data []byte) (*serviceDecoder, error) {
	if len(data) == 0 {
		return nil, errServiceTruncated
	}
	if data[0] != serviceCodecV1 {
		return nil, errors.Errorf("shale: unknown service codec version %d", data[0])
	}
	return &serviceDecoder{data: data[1:]}, nil
}

func (d *serviceDecoder) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data)
	if n <= 0 {
		return 0, errServiceTruncated
	}
	d.data = d.data[n:]
	return v, nil
}

func (d *serviceDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.data)) {
		return nil, errServiceTruncated
	}
	b := make([]byte, n)
	copy(b, d.data)
	d.data = d.data[n:]
	return b, nil
}

func (d *serviceDecoder) readString() (string, error) {
	n, err := d.readUvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.data)) {
		return "", errServiceTruncated
	}
	s := string(d.data[:n])
	d.data = d.data[n:]
	return s, nil
}

func (d *serviceDecoder) readOptionalBytes() ([]byte, error) {
	present, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	switch present {
	case 0:
		return nil, nil
	case 1:
		return d.readBytes()
	}
	return nil, base.CorruptionErrorf("shale: invalid presence flag %d", present)
}

func (d *serviceDecoder) readInternalKey() (base.InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return base.InternalKey{}, err
	}
	if len(b) < 8 {
		return base.InternalKey{}, errServiceTruncated
	}
	return base.DecodeInternalKey(b), nil
}

func (d *serviceDecoder) readJobStats() (JobStats, error) {
	var s JobStats
	var err error
	read := func() uint64 {
		var v uint64
		if err == nil {
			v, err = d.readUvarint()
		}
		return v
	}
	s.Duration = time.Duration(read())
	s.NumInputFiles = int64(read())
	s.NumInputRecords = read()
	s.TotalInputBytes = read()
	s.NumOutputFiles = int64(read())
	s.NumOutputRecords = read()
	s.TotalOutputBytes = read()
	s.Dropped.Superseded = read()
	s.Dropped.ObsoleteTombstone = read()
	s.Dropped.SingleDelConsumed = read()
	s.Dropped.MergeFolded = read()
	s.Dropped.OutOfRange = read()
	if err != nil {
		return JobStats{}, err
	}
	return s, nil
}

// finish reports an error if any input remains, so decode is an exact
// inverse of encode.
func (d *serviceDecoder) finish() error {
	if len(d.data) != 0 {
		return base.CorruptionErrorf("shale: %d trailing bytes in service message", len(d.data))
	}
	return nil
}

// RunServiceJob executes the compaction described by input on a machine
// without a live catalog. Input tables are read from dirname, outputs are
// written under outputPath, and nothing is installed; the caller ships the
// result back to the coordinator, which validates and installs it. Sharded
// executions of one plan must each use their own outputPath.
//
// The executor is single threaded. Without the coordinator's version it
// cannot prove a tombstone dead or a record bottommost, so tombstones are
// kept and sequence numbers preserved; the snapshot list alone bounds what
// the merge may drop.
func RunServiceJob(opts *Options, dirname, outputPath string, input *ServiceInput) *ServiceResult {
	result := &ServiceResult{
		OutputLevel: input.OutputLevel,
		OutputPath:  outputPath,
	}
	opts = opts.Clone()
	opts.EnsureDefaults()
	j := &serviceJob{
		opts:       opts,
		fs:         opts.FS,
		dirname:    dirname,
		outputPath: outputPath,
		input:      input,
	}
	err := j.run(result)
	switch {
	case err == nil:
		result.Status = ServiceOK
	case errors.Is(err, ErrCancelledCompaction):
		result.Status = ServiceCanceled
		result.Message = err.Error()
	default:
		result.Status = ServiceFailed
		result.Message = err.Error()
	}
	return result
}

// serviceJob is the executor state for one remotely run compaction.
type serviceJob struct {
	opts       *Options
	fs         vfs.FS
	dirname    string
	outputPath string
	input      *ServiceInput

	nextFileNum base.DiskFileNum
}

func (j *serviceJob) run(result *ServiceResult) error {
	input := j.input
	if input.OutputLevel < 0 || input.OutputLevel >= numLevels {
		return errors.Errorf("shale: invalid output level L%d", input.OutputLevel)
	}
	if len(input.Inputs) == 0 {
		return errors.New("shale: service job has no inputs")
	}
	if input.OptionsFileNum != 0 {
		path := base.MakeFilepath(j.fs, j.dirname, base.FileTypeOptions, input.OptionsFileNum)
		data, err := readFileContents(j.fs, path)
		if err != nil {
			return err
		}
		if err := j.opts.Parse(data); err != nil {
			return err
		}
	}
	if err := j.fs.MkdirAll(j.outputPath, 0755); err != nil {
		return err
	}
	cmp := j.opts.Comparer.Compare
	sw := base.MakeStopwatch()

	// Open the inputs. Each table contributes one iterator to the merge;
	// input levels matter only to the coordinator's installer.
	var readers []*sstable.Reader
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	var iters []base.InternalIterator
	itersOwned := true
	defer func() {
		if itersOwned {
			for _, it := range iters {
				_ = it.Close()
			}
		}
	}()
	for _, f := range input.Inputs {
		file, err := j.fs.Open(j.fs.PathJoin(j.dirname, f.Name))
		if err != nil {
			return err
		}
		r, err := sstable.NewReader(file, j.opts.MakeReaderOptions())
		if err != nil {
			_ = file.Close()
			return err
		}
		readers = append(readers, r)
		result.BytesRead += uint64(r.Size())
		it, err := r.NewIter()
		if err != nil {
			return err
		}
		iters = append(iters, it)
	}

	iter := compact.NewIter(compact.IterConfig{
		Cmp:        cmp,
		Merge:      j.opts.Merger.Merge,
		Snapshots:  compact.Snapshots(input.Snapshots),
		LowerBound: input.Begin,
		UpperBound: input.End,
	}, newMergingIter(cmp, iters...))
	itersOwned = false
	runner := compact.NewRunner(compact.RunnerConfig{
		Start:          input.Begin,
		End:            input.End,
		TargetFileSize: j.opts.Level(input.OutputLevel).TargetFileSize,
	}, iter, j.newOutput)
	res := runner.Run()
	if res.Err != nil {
		for i := range res.Tables {
			path := base.MakeFilepath(j.fs, j.outputPath, base.FileTypeTable, res.Tables[i].FileNum)
			_ = j.fs.Remove(path)
		}
		return res.Err
	}

	for i := range res.Tables {
		t := &res.Tables[i]
		result.Outputs = append(result.Outputs, ServiceOutputFile{
			Name:             base.MakeFilename(base.FileTypeTable, t.FileNum),
			Placement:        t.Placement,
			Size:             t.WriterMeta.Size,
			Smallest:         t.WriterMeta.Smallest,
			Largest:          t.WriterMeta.Largest,
			SmallestSeqNum:   t.WriterMeta.SmallestSeqNum,
			LargestSeqNum:    t.WriterMeta.LargestSeqNum,
			NumEntries:       t.WriterMeta.Properties.NumEntries,
			Checksum:         t.WriterMeta.Checksum,
			ChecksumFuncName: sstable.FileChecksumFuncName,
			ParanoidHash:     t.WriterMeta.ParanoidHash,
		})
		addOutputTable(&result.Levels, t.Placement, t.WriterMeta.Properties.NumEntries, t.WriterMeta.Size)
	}
	result.BytesWritten = res.Stats.CumulativeWrittenSize
	result.Stats = JobStats{
		Duration:         sw.Stop(),
		NumInputFiles:    int64(len(input.Inputs)),
		NumInputRecords:  res.Stats.IterStats.InputRecords,
		TotalInputBytes:  result.BytesRead,
		NumOutputFiles:   int64(len(res.Tables)),
		NumOutputRecords: res.Stats.IterStats.EmittedRecords,
		TotalOutputBytes: res.Stats.CumulativeWrittenSize,
		Dropped:          res.Stats.IterStats.Dropped,
	}

	dir, err := j.fs.OpenDir(j.outputPath)
	if err != nil {
		return err
	}
	if err := dir.Sync(); err != nil {
		_ = dir.Close()
		return err
	}
	return dir.Close()
}

func (j *serviceJob) newOutput(placement base.Placement) (base.DiskFileNum, *sstable.Writer, error) {
	j.nextFileNum++
	fileNum := j.nextFileNum
	path := base.MakeFilepath(j.fs, j.outputPath, base.FileTypeTable, fileNum)
	file, err := j.fs.Create(path)
	if err != nil {
		return 0, nil, base.MarkIOError(err)
	}
	return fileNum, sstable.NewWriter(ioErrorFile{file}, j.opts.MakeWriterOptions(j.input.OutputLevel)), nil
}

// InstallServiceResult validates remotely produced results and installs
// them: one version edit replaces the plan's inputs with the results'
// outputs, exactly as if the compaction had run locally. Results from a
// sharded execution are passed together, in range order; the output files
// are copied into the catalog directory under fresh file numbers, so
// result output paths must be readable through the catalog's filesystem.
func (c *Catalog) InstallServiceResult(plan *CompactionPlan, results ...*ServiceResult) error {
	if c.closed.Load() {
		panic(ErrClosed)
	}
	if len(results) == 0 {
		return errors.New("shale: no service results to install")
	}
	var outputs int
	for _, result := range results {
		if result.Status != ServiceOK {
			return errors.Errorf("shale: cannot install service result with status %s: %s",
				errors.Safe(result.Status), result.Message)
		}
		if result.OutputLevel != plan.OutputLevel {
			return errors.Errorf("shale: service result targets L%d, plan targets L%d",
				result.OutputLevel, plan.OutputLevel)
		}
		for i := range result.Outputs {
			if result.Outputs[i].Placement == base.PlaceProximal && plan.ProximalLevel < 0 {
				return errors.Errorf("shale: service result contains a proximal output, plan has no proximal level")
			}
		}
		outputs += len(result.Outputs)
	}

	fs := c.opts.FS
	c.mu.Lock()
	v := c.mu.versions.currentVersion()
	for _, in := range plan.Inputs {
		if in.Level < 0 || in.Level >= numLevels {
			c.mu.Unlock()
			return errors.Errorf("shale: invalid input level L%d", in.Level)
		}
		for _, m := range in.Tables {
			if !containsTable(v.Levels[in.Level], m) {
				c.mu.Unlock()
				return errors.Errorf("shale: table %s is not in L%d", m.FileNum, in.Level)
			}
		}
	}
	jobID := c.newJobIDLocked()
	fileNums := make([]base.DiskFileNum, 0, outputs)
	for i := 0; i < outputs; i++ {
		fileNums = append(fileNums, c.mu.versions.getNextFileNum())
	}
	c.mu.Unlock()

	// Copy the outputs into the catalog directory. Nothing is durable until
	// the version edit below is logged; on failure the copies are removed.
	removeCopies := func() {
		for _, fileNum := range fileNums {
			_ = fs.Remove(base.MakeFilepath(fs, c.dirname, base.FileTypeTable, fileNum))
		}
	}
	epoch, ancestorTime := planLineage(plan)
	now := uint64(time.Now().Unix())
	ve := &manifest.VersionEdit{
		DeletedTables: make(map[manifest.DeletedTableEntry]bool),
	}
	for _, in := range plan.Inputs {
		for _, m := range in.Tables {
			ve.DeletedTables[manifest.DeletedTableEntry{Level: in.Level, FileNum: m.FileNum}] = true
		}
	}
	next := 0
	for _, result := range results {
		for i := range result.Outputs {
			f := &result.Outputs[i]
			fileNum := fileNums[next]
			next++
			target := base.MakeFilepath(fs, c.dirname, base.FileTypeTable, fileNum)
			if err := vfs.Copy(fs, fs.PathJoin(result.OutputPath, f.Name), target); err != nil {
				removeCopies()
				return err
			}
			if err := c.checkServiceOutput(f, target); err != nil {
				removeCopies()
				return err
			}
			level := plan.OutputLevel
			temp := base.TemperatureWarm
			if f.Placement == base.PlaceProximal {
				level = plan.ProximalLevel
			} else if plan.Bottommost {
				temp = base.TemperatureCold
			}
			meta := &manifest.TableMetadata{
				FileNum:          fileNum,
				Size:             f.Size,
				Smallest:         f.Smallest,
				Largest:          f.Largest,
				SmallestSeqNum:   f.SmallestSeqNum,
				LargestSeqNum:    f.LargestSeqNum,
				CreationTime:     now,
				AncestorTime:     ancestorTime,
				EpochNumber:      epoch,
				UniqueID:         c.uniqueFileID(fileNum),
				Checksum:         f.Checksum,
				ChecksumFuncName: f.ChecksumFuncName,
				Temperature:      temp,
			}
			if err := meta.Validate(c.cmp); err != nil {
				removeCopies()
				return err
			}
			ve.NewTables = append(ve.NewTables, manifest.NewTableEntry{Level: level, Meta: meta})
		}
	}
	if err := c.dataDir.Sync(); err != nil {
		removeCopies()
		return err
	}

	c.mu.Lock()
	c.mu.versions.logLock()
	err := c.mu.versions.logAndApply(jobID, ve, c.dataDir)
	if err != nil {
		c.errorHandler.setBGError(err, BgManifestWrite)
	} else {
		c.deleteObsoleteFiles(jobID)
	}
	c.mu.Unlock()
	if err != nil {
		removeCopies()
		return err
	}

	var stats JobStats
	for _, result := range results {
		stats.Add(result.Stats)
	}
	for _, fileNum := range fileNums {
		c.opts.EventListener.TableCreated(TableCreateInfo{
			JobID:   jobID,
			Reason:  "installing",
			Path:    base.MakeFilepath(fs, c.dirname, base.FileTypeTable, fileNum),
			FileNum: fileNum,
		})
	}
	c.metrics.recordJob(stats, len(results))
	return nil
}

// checkServiceOutput verifies a copied output against the metadata the
// executor reported before the table becomes part of the catalog.
func (c *Catalog) checkServiceOutput(f *ServiceOutputFile, path string) error {
	fs := c.opts.FS
	fi, err := fs.Stat(path)
	if err != nil {
		return err
	}
	if uint64(fi.Size()) != f.Size {
		return base.CorruptionErrorf("shale: service output %q is %d bytes, expected %d",
			f.Name, fi.Size(), f.Size)
	}
	if !c.opts.ParanoidChecks {
		return nil
	}
	file, err := fs.Open(path)
	if err != nil {
		return err
	}
	checksum, err := sstable.ComputeFileChecksum(file)
	_ = file.Close()
	if err != nil {
		return err
	}
	if checksum != f.Checksum {
		return base.CorruptionErrorf("shale: service output %q checksum is %s, expected %s",
			f.Name, checksum, f.Checksum)
	}
	return nil
}
