// Package blocksrv implements the core block-device I/O server: a
// bridge between an in-kernel block-device driver stack and user-space
// clients across a ring-buffer message channel. A client registers
// shared memory regions, opens a session, and enqueues multi-stage
// read/write transactions that the server validates, splits against the
// lower driver's transfer-size limit, and acknowledges once every
// sub-operation has completed.
package blocksrv

import (
	"context"
	"sync"

	"github.com/dblk/blocksrv/internal/channel"
	"github.com/dblk/blocksrv/internal/constants"
	"github.com/dblk/blocksrv/internal/logging"
	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/partition"
	"github.com/dblk/blocksrv/internal/pipeline"
	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/txntable"
)

// RebindRequester is the hosting framework's hook for RR_PART: partition
// table discovery itself is out of scope (§1), but the ioctl that
// requests a rebind still needs somewhere to go.
type RebindRequester interface {
	RequestRebind(ctx context.Context) error
}

// SyncForwarder is the hosting framework's hook for DEVICE_SYNC,
// mirroring gpt_ioctl's forwarding of IOCTL_DEVICE_SYNC to the parent
// device.
type SyncForwarder interface {
	Sync(ctx context.Context) error
}

// PartitionParams configures the optional Partition Remapper (C7). When
// set, the device exposes only the LBA window [FirstLBA, LastLBA] of the
// underlying lower driver.
type PartitionParams struct {
	FirstLBA, LastLBA       uint64
	TypeGUID, PartitionGUID [16]byte
	Name                    string
}

// DeviceParams configures a Device. Exactly one of Modern or Legacy must
// be set, selecting which of the two historical lower-driver shapes
// (§4.5) this device's underlying driver speaks.
type DeviceParams struct {
	Modern lower.ModernDriver
	Legacy lower.LegacyDriver

	// FIFODepth is the per-direction channel capacity; it defaults to
	// internal/constants.ChannelCapacity when zero.
	FIFODepth int

	// ReadOnly rejects WRITE requests with InvalidArgs at the pipeline
	// validation stage (§4.4), independent of whatever the lower
	// driver itself would do with a write.
	ReadOnly bool

	Partition *PartitionParams
}

// Options carries the ambient collaborators a Device needs beyond its
// lower driver: logging, metrics, and the partition-ioctl hooks.
type Options struct {
	Logger          *logging.Logger
	Observer        pipeline.Observer
	RebindRequester RebindRequester
	SyncForwarder   SyncForwarder
}

// DeviceGeometry is the information surfaced by GET_INFO: block size,
// block count narrowed to this device's (possibly partitioned) window,
// the lower driver's splitting limit, and a flags bitfield built from
// DeviceParams.ReadOnly (only FlagReadOnly is defined; it is exposed
// redundantly as ReadOnly for convenience).
type DeviceGeometry struct {
	BlockSize       uint32
	BlockCount      uint64
	MaxTransferSize uint32
	ReadOnly        bool
	Flags           uint32
}

// FlagReadOnly is the GET_INFO flags bit set when the device rejects
// writes.
const FlagReadOnly uint32 = 1 << 0

// Device is the hosting device record (§5, §6.2): it owns the device
// lock bookkeeping (serverPresent/threadCount/dead) and multiplexes the
// ioctl surface behind typed methods, each one backed by at most one
// live Server.
type Device struct {
	mu            sync.Mutex
	serverPresent bool
	threadCount   int
	dead          bool
	session       *Server

	params    DeviceParams
	opts      Options
	adapter   lower.Adapter
	partition *PartitionParams
	fifoDepth int
}

// NewDevice builds a Device from params. It does not open a session;
// call GetFIFOs to do that.
func NewDevice(params DeviceParams, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = pipeline.NoOpObserver{}
	}

	var adapter lower.Adapter
	switch {
	case params.Modern != nil && params.Legacy != nil:
		return nil, NewError("NEW_DEVICE", ErrCodeInvalidArgs, "specify exactly one of Modern or Legacy, not both")
	case params.Modern != nil:
		adapter = lower.NewModernAdapter(params.Modern)
	case params.Legacy != nil:
		adapter = lower.NewLegacyAdapter(params.Legacy)
	default:
		return nil, NewError("NEW_DEVICE", ErrCodeInvalidArgs, "no lower driver configured")
	}

	var part *PartitionParams
	if params.Partition != nil {
		p := *params.Partition
		part = &p
		adapter = partition.New(adapter, p.FirstLBA, p.LastLBA)
	}

	fifoDepth := params.FIFODepth
	if fifoDepth <= 0 {
		fifoDepth = constants.ChannelCapacity
	}

	return &Device{
		params:    params,
		opts:      *opts,
		adapter:   adapter,
		partition: part,
		fifoDepth: fifoDepth,
	}, nil
}

// Server is one session's worth of state: the channel, registry, and
// transaction table a single serving worker owns, plus the pipeline
// that drives them (§4.6's Create/Serve/Shutdown/Free contract).
type Server struct {
	device *Device
	ch     *channel.Channel
	reg    *registry.Registry
	table  *txntable.Table
	pipe   *pipeline.Pipeline
}

// Registry exposes the session's VMO registry to callers that need to
// build a registry.RegionHandle-compatible lookup outside the ioctl
// surface (e.g. test harnesses); most callers should use
// Device.AttachVMO instead.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Serve runs the pipeline loop until PEER_CLOSED or the terminate signal
// fires, returning when the worker exits (§4.6).
func (s *Server) Serve(ctx context.Context) error {
	return s.pipe.Run(ctx)
}

// Shutdown sets the terminate signal; idempotent. The serving worker
// returns from Serve on its next channel wait.
func (s *Server) Shutdown() {
	s.ch.SignalTerminate()
}

// Free releases the session's channel, registry, and transaction table.
// Must only be called after Serve has returned (§4.6); Device.GetFIFOs'
// goroutine calls this for the caller, matching the "worker performs
// free" rule in §5/§9.
func (s *Server) Free() {
	s.ch = nil
	s.reg = nil
	s.table = nil
	s.pipe = nil
}

// GetFIFOs opens a new session (GET_FIFOS, §6.2): it fails AlreadyBound
// if one is already open, otherwise creates the channel/registry/table,
// spawns the serving worker, and returns the client end.
func (d *Device) GetFIFOs(ctx context.Context) (*channel.ClientEnd, error) {
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		return nil, NewError("GET_FIFOS", ErrCodeBadState, "device is dead")
	}
	if d.serverPresent {
		d.mu.Unlock()
		return nil, NewError("GET_FIFOS", ErrCodeAlreadyBound, "session already open")
	}

	ch := channel.New(d.fifoDepth)
	srv := &Server{
		device: d,
		ch:     ch,
		reg:    registry.New(),
		table:  txntable.New(),
	}
	srv.pipe = pipeline.New(pipeline.Config{
		Channel:  ch,
		Registry: srv.reg,
		Table:    srv.table,
		Adapter:  d.adapter,
		ReadOnly: d.params.ReadOnly,
		Logger:   d.opts.Logger,
		Observer: d.opts.Observer,
	})

	d.session = srv
	d.serverPresent = true
	d.threadCount = 1
	d.mu.Unlock()

	go d.runServer(ctx, srv)

	return channel.NewClientEnd(ch), nil
}

// runServer is the serving worker's top-level function: run the
// pipeline, then perform the device-lock bookkeeping of §5 (decrement
// threadCount, and free the server) exactly once, regardless of why
// Serve returned.
func (d *Device) runServer(ctx context.Context, srv *Server) {
	if err := srv.Serve(ctx); err != nil {
		d.opts.Logger.Info("serving worker returned", "error", err)
	}

	// The serving worker is the only writer of responses; once it has
	// stopped, wake any client blocked in Receive so it observes closure
	// rather than waiting on responses that will never arrive.
	srv.ch.Close()

	d.mu.Lock()
	d.threadCount--
	d.serverPresent = false
	if d.session == srv {
		d.session = nil
	}
	d.mu.Unlock()

	srv.Free()
}

// currentSession returns the live session, or nil if none is open.
func (d *Device) currentSession() *Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// AttachVMO implements ATTACH_VMO: registers handle and returns its
// region ID.
func (d *Device) AttachVMO(handle registry.RegionHandle) (uint16, error) {
	srv := d.currentSession()
	if srv == nil {
		return 0, NewError("ATTACH_VMO", ErrCodeBadState, "no open session")
	}
	region, err := srv.reg.Attach(handle)
	if err != nil {
		return 0, WrapError("ATTACH_VMO", err)
	}
	return region.ID, nil
}

// AllocTxn implements ALLOC_TXN: reserves a free transaction slot and
// returns its ID.
func (d *Device) AllocTxn() (uint8, error) {
	srv := d.currentSession()
	if srv == nil {
		return 0, NewError("ALLOC_TXN", ErrCodeBadState, "no open session")
	}
	id, _, err := srv.table.Allocate()
	if err != nil {
		return 0, WrapError("ALLOC_TXN", err)
	}
	return id, nil
}

// FreeTxn implements FREE_TXN: clears the slot mapping for txnID.
// Idempotent, and safe to call while sub-messages already hold a
// pointer to the slot (they keep it alive independently).
func (d *Device) FreeTxn(txnID uint8) error {
	srv := d.currentSession()
	if srv == nil {
		return NewError("FREE_TXN", ErrCodeBadState, "no open session")
	}
	srv.table.Free(txnID)
	return nil
}

// FIFOClose implements FIFO_CLOSE: server-initiated teardown of the
// current session, equivalent to calling Shutdown on its Server.
func (d *Device) FIFOClose() {
	if srv := d.currentSession(); srv != nil {
		srv.Shutdown()
	}
}

// GetInfo implements GET_INFO: queries the lower driver (through any
// partition remap) for device geometry.
func (d *Device) GetInfo(ctx context.Context) (DeviceGeometry, error) {
	geo, err := d.adapter.Query(ctx)
	if err != nil {
		return DeviceGeometry{}, WrapError("GET_INFO", err)
	}
	var flags uint32
	if d.params.ReadOnly {
		flags |= FlagReadOnly
	}
	return DeviceGeometry{
		BlockSize:       geo.BlockSize,
		BlockCount:      geo.BlockCount,
		MaxTransferSize: geo.MaxTransferSize,
		ReadOnly:        d.params.ReadOnly,
		Flags:           flags,
	}, nil
}

// GetTypeGUID implements GET_TYPE_GUID. Per §9's resolved open question,
// the canonical behavior is to return the GUID on success; there is no
// second, unreachable branch here.
func (d *Device) GetTypeGUID() ([16]byte, error) {
	if d.partition == nil {
		return [16]byte{}, NewError("GET_TYPE_GUID", ErrCodeNotSupported, "device has no partition")
	}
	return d.partition.TypeGUID, nil
}

// GetPartitionGUID implements GET_PARTITION_GUID.
func (d *Device) GetPartitionGUID() ([16]byte, error) {
	if d.partition == nil {
		return [16]byte{}, NewError("GET_PARTITION_GUID", ErrCodeNotSupported, "device has no partition")
	}
	return d.partition.PartitionGUID, nil
}

// GetName implements GET_NAME.
func (d *Device) GetName() (string, error) {
	if d.partition == nil {
		return "", NewError("GET_NAME", ErrCodeNotSupported, "device has no partition")
	}
	return d.partition.Name, nil
}

// RereadPartitions implements RR_PART by invoking the configured
// RebindRequester; partition-table discovery itself is out of scope
// here (§1), so without one configured this is NotSupported.
func (d *Device) RereadPartitions(ctx context.Context) error {
	if d.opts.RebindRequester == nil {
		return NewError("RR_PART", ErrCodeNotSupported, "no rebind requester configured")
	}
	return d.opts.RebindRequester.RequestRebind(ctx)
}

// DeviceSync implements DEVICE_SYNC by forwarding to the configured
// SyncForwarder, mirroring gpt_ioctl's forwarding to the parent device.
func (d *Device) DeviceSync(ctx context.Context) error {
	if d.opts.SyncForwarder == nil {
		return NewError("DEVICE_SYNC", ErrCodeNotSupported, "no sync forwarder configured")
	}
	return d.opts.SyncForwarder.Sync(ctx)
}

// Release marks the device dead (device teardown, §5): if no serving
// worker is running this takes effect immediately; otherwise the
// worker's own exit bookkeeping in runServer observes the session has
// already shut down once its Shutdown call below unblocks the channel
// read.
func (d *Device) Release() {
	d.mu.Lock()
	d.dead = true
	srv := d.session
	d.mu.Unlock()

	if srv != nil {
		srv.Shutdown()
	}
}

// SessionOpen reports whether a session is currently open, for tests
// and diagnostics.
func (d *Device) SessionOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverPresent
}
