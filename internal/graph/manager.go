// Package graph implements the PipelineManager and the Path lifecycle:
// the filter and path tables, path creation/connection/removal with their
// validation rules, and event routing between the control plane and
// individual filter inboxes. Teardown runs tails-first so no reader ever
// outlives its queue.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/fluxion/internal/filter"
	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/queue"
)

var (
	ErrInvalidFilterID  = errors.New("graph: filter id must be >= 0")
	ErrFilterExists     = errors.New("graph: filter id already exists")
	ErrUnknownFilter    = errors.New("graph: unknown filter id")
	ErrFilterInUse      = errors.New("graph: filter is referenced by a path")
	ErrPathExists       = errors.New("graph: path id already exists")
	ErrUnknownPath      = errors.New("graph: unknown path id")
	ErrInvalidMidFilter = errors.New("graph: invalid mid filter")
	ErrDuplicateMid     = errors.New("graph: duplicate mid filter")
	ErrConnectFailed    = errors.New("graph: connect failed")
	ErrKindMismatch     = errors.New("graph: writer and reader media kinds differ")
	ErrNoFactory        = errors.New("graph: no factory registered for kind")
)

// Connectable is the capability PipelineManager needs from a filter beyond
// the scheduler-facing filter.Processor interface: registering queue
// endpoints and allocating fresh writer/reader ids when a path is created
// with negative endpoint ids.
type Connectable interface {
	filter.Processor
	Kind() filter.Kind
	MediaKind() frame.Kind
	AddWriter(w *queue.Writer)
	AddReader(r *queue.Reader)
	RemoveWriter(id int)
	RemoveReader(id int)
	GenerateWriterID() int
	GenerateReaderID() int
	WriterConnected(id int) bool
}

// FilterFactory builds a concrete filter for a control-plane createFilter
// action. The manager only validates and stores ids; constructing the
// right concrete hook per kind is the engine's responsibility, registered
// here ahead of time.
type FilterFactory func(id int) Connectable

// QueueConfig controls how a new edge's backing queue is sized.
type QueueConfig struct {
	Capacity      int
	FrameCapacity int
	DropPolicy    queue.DropPolicy
}

// Config bundles Manager construction parameters.
type Config struct {
	Log          *slog.Logger
	DefaultQueue QueueConfig
	QueueByKind  map[frame.Kind]QueueConfig
	// SlaveOverride, if set, sizes the output edge of any filter whose
	// Role is RoleSlave instead of QueueByKind/DefaultQueue — an
	// adaptive-bitrate ladder rung typically wants a shallower or deeper
	// queue than its master's own edges.
	SlaveOverride *QueueConfig
	// OnFilterDeleted, if set, is called (with the manager lock held)
	// every time a filter leaves the table — explicit RemoveFilter or a
	// RemovePath cascade — so the scheduler can detach it in the same
	// step. The callback must not call back into the Manager.
	OnFilterDeleted func(id int)
}

type edgeKey struct {
	filterID int
	writerID int
}

// ReaderRef names one reader endpoint sharing an edge's queue.
type ReaderRef struct {
	FilterID int
	ReaderID int
}

// edge is the manager's record of one writer's backing queue and every
// reader currently attached to it.
type edge struct {
	q              *queue.FrameQueue
	writerFilterID int
	writerID       int
	readers        []ReaderRef
}

type resolvedEdge struct {
	writerFilterID int
	writerID       int
	readerFilterID int
	readerID       int
}

// Path is an ordered chain of filters between an origin writer and a
// destination reader, with zero or more mid filters, built and torn down
// as a unit by the control plane.
type Path struct {
	ID             int
	OriginFilterID int
	DestFilterID   int
	OrgWriterID    int
	DstReaderID    int
	MidFilterIDs   []int

	connected bool
	edges     []resolvedEdge
}

// FilterIDs returns every filter id the path touches: origin, destination,
// then mids in order.
func (p *Path) FilterIDs() []int {
	return append([]int{p.OriginFilterID, p.DestFilterID}, p.MidFilterIDs...)
}

// Manager is the pipeline manager: an owned value, not a process-wide
// singleton, holding the filter and path tables under one coarse lock.
type Manager struct {
	log *slog.Logger
	cfg Config

	mu           sync.RWMutex
	filters      map[int]Connectable
	paths        map[int]*Path
	edges        map[edgeKey]*edge
	factories    map[filter.Kind]FilterFactory
	nextReaderID int
}

// allocReaderIDLocked returns a reader id guaranteed unique across every
// queue the manager has ever created. Ordinary edges ask the owning
// filter for its own reader id (scoped to that filter, and safe since
// each edge gets its own queue); this is the fallback used only when a
// shared-reader attachment's proposed id collides with one already
// present on the shared queue. Must be called with mu held.
func (m *Manager) allocReaderIDLocked() int {
	id := m.nextReaderID
	m.nextReaderID++
	return id
}

// NewManager constructs an empty Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DefaultQueue.Capacity <= 0 {
		cfg.DefaultQueue.Capacity = 16
	}
	if cfg.DefaultQueue.FrameCapacity <= 0 {
		cfg.DefaultQueue.FrameCapacity = 1 << 20
	}
	return &Manager{
		log:          cfg.Log.With("component", "pipeline-manager"),
		cfg:          cfg,
		filters:      make(map[int]Connectable),
		paths:        make(map[int]*Path),
		edges:        make(map[edgeKey]*edge),
		factories:    make(map[filter.Kind]FilterFactory),
		nextReaderID: sharedReaderIDFloor,
	}
}

// sharedReaderIDFloor separates the manager's collision-free reader id pool
// from filters' own per-instance GenerateReaderID counters, which start at
// 0. Starting the shared pool far above any realistic per-filter count
// means allocReaderIDLocked never has to re-check its own output against
// e.readers — it is unique by construction, not by retry.
const sharedReaderIDFloor = 1 << 30

// RegisterFactory binds a filter kind to the constructor the control
// plane's createFilter action will use.
func (m *Manager) RegisterFactory(kind filter.Kind, factory FilterFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = factory
}

func (m *Manager) queueConfigFor(kind frame.Kind, role filter.Role) QueueConfig {
	if role == filter.RoleSlave && m.cfg.SlaveOverride != nil {
		return *m.cfg.SlaveOverride
	}
	if qc, ok := m.cfg.QueueByKind[kind]; ok {
		return qc
	}
	return m.cfg.DefaultQueue
}

// CreateFilter builds a filter via the factory registered for kind and
// adds it under id.
func (m *Manager) CreateFilter(id int, kind filter.Kind) (Connectable, error) {
	m.mu.RLock()
	factory, ok := m.factories[kind]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFactory, kind)
	}
	f := factory(id)
	if err := m.AddFilter(id, f); err != nil {
		return nil, err
	}
	return f, nil
}

// AddFilter registers an already-constructed filter under id. id must be
// unused and non-negative.
func (m *Manager) AddFilter(id int, f Connectable) error {
	if id < 0 {
		return ErrInvalidFilterID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.filters[id]; exists {
		m.log.Error("filter id already exists", "id", id)
		return ErrFilterExists
	}
	m.filters[id] = f
	m.log.Info("filter added", "id", id, "kind", string(f.Kind()))
	return nil
}

// GetFilter returns the filter registered under id.
func (m *Manager) GetFilter(id int) (Connectable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.filters[id]
	return f, ok
}

// RemoveFilter deregisters a filter. It fails if the filter appears in
// any path.
func (m *Manager) RemoveFilter(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filters[id]; !ok {
		return ErrUnknownFilter
	}
	if m.filterReferencedByAnyPathLocked(id) {
		return ErrFilterInUse
	}
	m.deleteFilterLocked(id)
	m.log.Info("filter removed", "id", id)
	return nil
}

func (m *Manager) deleteFilterLocked(id int) {
	delete(m.filters, id)
	if m.cfg.OnFilterDeleted != nil {
		m.cfg.OnFilterDeleted(id)
	}
}

func (m *Manager) filterReferencedByAnyPathLocked(id int) bool {
	for _, p := range m.paths {
		if p.OriginFilterID == id || p.DestFilterID == id {
			return true
		}
		for _, mid := range p.MidFilterIDs {
			if mid == id {
				return true
			}
		}
	}
	return false
}

// CreatePath validates and registers a new Path without connecting it
// yet.
func (m *Manager) CreatePath(id, originFilterID, destFilterID, orgWriterID, dstReaderID int, midFilterIDs []int) (*Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.paths[id]; exists {
		return nil, ErrPathExists
	}
	origin, ok := m.filters[originFilterID]
	if !ok {
		return nil, fmt.Errorf("%w: origin filter %d", ErrUnknownFilter, originFilterID)
	}
	dest, ok := m.filters[destFilterID]
	if !ok {
		return nil, fmt.Errorf("%w: destination filter %d", ErrUnknownFilter, destFilterID)
	}

	seen := make(map[int]bool, len(midFilterIDs))
	for _, mid := range midFilterIDs {
		if mid == originFilterID || mid == destFilterID {
			return nil, fmt.Errorf("%w: %d is the origin or destination", ErrInvalidMidFilter, mid)
		}
		if _, ok := m.filters[mid]; !ok {
			return nil, fmt.Errorf("%w: %d does not exist", ErrInvalidMidFilter, mid)
		}
		if seen[mid] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateMid, mid)
		}
		seen[mid] = true
	}

	if orgWriterID < 0 {
		orgWriterID = origin.GenerateWriterID()
	}
	if dstReaderID < 0 {
		dstReaderID = dest.GenerateReaderID()
	}

	p := &Path{
		ID:             id,
		OriginFilterID: originFilterID,
		DestFilterID:   destFilterID,
		OrgWriterID:    orgWriterID,
		DstReaderID:    dstReaderID,
		MidFilterIDs:   append([]int(nil), midFilterIDs...),
	}
	m.paths[id] = p
	m.log.Info("path created", "id", id, "origin", originFilterID, "dest", destFilterID, "mids", midFilterIDs)
	return p, nil
}

// GetPath returns the path registered under id.
func (m *Manager) GetPath(id int) (*Path, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.paths[id]
	return p, ok
}

// ConnectPath walks the path left to right, issuing the underlying
// connection calls. Connecting is idempotent: an already-connected path
// returns nil without reconnecting.
func (m *Manager) ConnectPath(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok {
		return ErrUnknownPath
	}
	if p.connected {
		return nil
	}

	chain := make([]int, 0, len(p.MidFilterIDs)+2)
	chain = append(chain, p.OriginFilterID)
	chain = append(chain, p.MidFilterIDs...)
	chain = append(chain, p.DestFilterID)

	var edges []resolvedEdge
	for i := 0; i < len(chain)-1; i++ {
		wFilterID := chain[i]
		rFilterID := chain[i+1]

		wID := p.OrgWriterID
		if i > 0 {
			wID = m.filters[wFilterID].GenerateWriterID()
		}
		rID := p.DstReaderID
		if i < len(chain)-2 {
			rID = m.filters[rFilterID].GenerateReaderID()
		}

		actualRID, err := m.connectEdgeLocked(wFilterID, wID, rFilterID, rID)
		if err != nil {
			for j := len(edges) - 1; j >= 0; j-- {
				e := edges[j]
				m.disconnectEdgeLocked(e.writerFilterID, e.writerID, e.readerFilterID, e.readerID)
			}
			return fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		edges = append(edges, resolvedEdge{wFilterID, wID, rFilterID, actualRID})
	}

	p.edges = edges
	p.DstReaderID = edges[len(edges)-1].readerID
	p.connected = true
	m.log.Info("path connected", "id", id)
	return nil
}

// connectEdgeLocked wires wFilterID's writer wID to rFilterID's reader
// rID, returning the reader id actually registered (normally rID itself;
// see below for the one case it differs). If the writer's queue already
// exists (a second path sharing the same origin writer), the destination
// is attached as an additional shared reader instead of allocating a new
// queue — unless that filter already reads this writer, which fails.
func (m *Manager) connectEdgeLocked(wFilterID, wID, rFilterID, rID int) (int, error) {
	origin, ok := m.filters[wFilterID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFilter, wFilterID)
	}
	dest, ok := m.filters[rFilterID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFilter, rFilterID)
	}
	if origin.MediaKind() != dest.MediaKind() {
		return 0, fmt.Errorf("%w: %s writer %d:%d vs %s reader on filter %d",
			ErrKindMismatch, origin.MediaKind(), wFilterID, wID, dest.MediaKind(), rFilterID)
	}

	key := edgeKey{wFilterID, wID}
	e, exists := m.edges[key]
	if !exists {
		qc := m.queueConfigFor(origin.MediaKind(), origin.Role())
		q := queue.New(origin.MediaKind(), queue.Config{
			Capacity:      qc.Capacity,
			FrameCapacity: qc.FrameCapacity,
			DropPolicy:    qc.DropPolicy,
		})
		r, err := queue.NewReader(rID, q)
		if err != nil {
			return 0, err
		}
		origin.AddWriter(queue.NewWriter(wID, q))
		dest.AddReader(r)
		m.edges[key] = &edge{q: q, writerFilterID: wFilterID, writerID: wID, readers: []ReaderRef{{rFilterID, rID}}}
		return rID, nil
	}

	for _, rr := range e.readers {
		if rr.FilterID == rFilterID {
			return 0, fmt.Errorf("graph: filter %d already reads writer %d:%d", rFilterID, wFilterID, wID)
		}
	}

	// The destination's own reader id was assigned from its own counter
	// and may already be in use on this shared queue by an unrelated
	// filter; reassign from the manager's collision-free pool if so.
	actualRID := rID
	if readerIDInUse(e.readers, actualRID) {
		actualRID = m.allocReaderIDLocked()
	}

	sourceReaderID := e.readers[0].ReaderID
	if err := e.q.ShareReader(sourceReaderID, actualRID); err != nil {
		return 0, err
	}
	dest.AddReader(queue.BindReader(actualRID, e.q))
	e.readers = append(e.readers, ReaderRef{rFilterID, actualRID})
	return actualRID, nil
}

func readerIDInUse(readers []ReaderRef, id int) bool {
	for _, rr := range readers {
		if rr.ReaderID == id {
			return true
		}
	}
	return false
}

func (m *Manager) disconnectEdgeLocked(wFilterID, wID, rFilterID, rID int) {
	key := edgeKey{wFilterID, wID}
	e, ok := m.edges[key]
	if !ok {
		return
	}
	if dest, ok := m.filters[rFilterID]; ok {
		dest.RemoveReader(rID)
	}
	e.q.RemoveReader(rID)

	remaining := e.readers[:0]
	for _, rr := range e.readers {
		if rr.FilterID != rFilterID || rr.ReaderID != rID {
			remaining = append(remaining, rr)
		}
	}
	e.readers = remaining

	if len(e.readers) == 0 {
		if origin, ok := m.filters[wFilterID]; ok {
			origin.RemoveWriter(wID)
		}
		delete(m.edges, key)
	}
}

// RemovePath disconnects a path in reverse direction — destination reader
// first, then mid filters last-to-first — and deletes any filter no
// surviving path still references. Removing an unknown path is a no-op:
// the path may never have been connected, or is already gone.
func (m *Manager) RemovePath(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[id]
	if !ok {
		m.log.Warn("remove path: not found", "id", id)
		return nil
	}

	for i := len(p.edges) - 1; i >= 0; i-- {
		e := p.edges[i]
		m.disconnectEdgeLocked(e.writerFilterID, e.writerID, e.readerFilterID, e.readerID)
	}
	delete(m.paths, id)

	// Tails first: destination, then mids last-to-first, then origin.
	order := []int{p.DestFilterID}
	for i := len(p.MidFilterIDs) - 1; i >= 0; i-- {
		order = append(order, p.MidFilterIDs[i])
	}
	order = append(order, p.OriginFilterID)
	for _, fid := range order {
		if _, ok := m.filters[fid]; ok && !m.filterReferencedByAnyPathLocked(fid) {
			m.deleteFilterLocked(fid)
			m.log.Info("filter deleted with path", "id", fid)
		}
	}

	m.log.Info("path removed", "id", id)
	return nil
}

// StopAll tears down every path (and, transitively, every filter no
// surviving path references) in reverse-topological order, for the
// manager-level "stop" action.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]int, 0, len(m.paths))
	for id := range m.paths {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		_ = m.RemovePath(id)
	}
}

// FilterState is one filter's reported snapshot for get_state.
type FilterState struct {
	ID      int
	Kind    filter.Kind
	Details map[string]any
}

// PathState is one path's reported snapshot for get_state.
type PathState struct {
	ID              int
	OriginFilterID  int
	DestFilterID    int
	MidFilterIDs    []int
	AvgReaderDelay  time.Duration
	LostBlocksTotal uint64
}

// GetState reports, for every filter, its id/kind/counters, and for every
// path, its endpoints, mid filters, the destination reader's average
// delay, and the summed lost-block count along the path.
func (m *Manager) GetState() ([]FilterState, []PathState) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filters := make([]FilterState, 0, len(m.filters))
	for id, f := range m.filters {
		filters = append(filters, FilterState{ID: id, Kind: f.Kind(), Details: f.GetState()})
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i].ID < filters[j].ID })

	paths := make([]PathState, 0, len(m.paths))
	for id, p := range m.paths {
		var lostTotal uint64
		var destDelay time.Duration
		for _, re := range p.edges {
			e, ok := m.edges[edgeKey{re.writerFilterID, re.writerID}]
			if !ok {
				continue
			}
			delay, lost, err := e.q.ReaderStats(re.readerID)
			if err != nil {
				continue
			}
			lostTotal += lost
			if re.readerFilterID == p.DestFilterID && re.readerID == p.DstReaderID {
				destDelay = delay
			}
		}
		paths = append(paths, PathState{
			ID:              id,
			OriginFilterID:  p.OriginFilterID,
			DestFilterID:    p.DestFilterID,
			MidFilterIDs:    append([]int(nil), p.MidFilterIDs...),
			AvgReaderDelay:  destDelay,
			LostBlocksTotal: lostTotal,
		})
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].ID < paths[j].ID })

	return filters, paths
}
