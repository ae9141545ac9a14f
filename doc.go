// Package cowrite is a collaborative text CRDT: many peers edit a shared
// UTF-8 document concurrently and converge on the same result without a
// coordinator. An OpLog holds the full partially ordered edit history; a
// Branch materializes the document at a chosen version.
package cowrite

import (
	"os"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"cowrite/causalgraph"
	"cowrite/codec"
	"cowrite/merge"
	"cowrite/oplog"
	"cowrite/types"
)

// NewConsoleLogger builds a human-readable logger for watching merges and
// ingest, suitable for Options.Logger.
func NewConsoleLogger(level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(w).With().Timestamp().Logger().Level(level)
}

// Options configures a new OpLog.
type Options struct {
	// Agent is the peer identity used for local edits. Empty generates a
	// fresh globally unique one.
	Agent string
	// Logger receives debug output from merges and ingest. Defaults to a
	// disabled logger.
	Logger *zerolog.Logger
	// Compress enables LZ4 compression of content chunks in ToBytes and
	// PatchSince output.
	Compress bool
	// RetainDeleted stores the characters each local delete removes, so
	// history can be rendered backwards. Costs a branch materialization per
	// delete.
	RetainDeleted bool
}

// OpLog is the append-only, partially ordered log of edits to one document,
// together with the peer identity used for local edits. One mutable owner
// at a time; wrap with an external lock to share.
type OpLog struct {
	log           *oplog.Log
	agent         types.AgentID
	logger        zerolog.Logger
	compress      bool
	retainDeleted bool
}

// New creates an empty log editing as the given agent. An empty agent name
// generates a fresh unique identity.
func New(agent string) *OpLog {
	o, err := NewWithOptions(Options{Agent: agent})
	if err != nil {
		// Only reachable with a reserved agent name.
		panic(err)
	}
	return o
}

// NewWithOptions creates an empty log from explicit options.
func NewWithOptions(opts Options) (*OpLog, error) {
	agent, err := checkAgent(opts.Agent)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &OpLog{
		log:           oplog.New(),
		agent:         agent,
		logger:        logger,
		compress:      opts.Compress,
		retainDeleted: opts.RetainDeleted,
	}, nil
}

func checkAgent(agent string) (types.AgentID, error) {
	if agent == "" {
		return types.AgentID(xid.New().String()), nil
	}
	if types.AgentID(agent) == types.RootAgent {
		return "", xerrors.Errorf("agent name %q is reserved", agent)
	}
	return types.AgentID(agent), nil
}

// SetAgent switches the identity used for subsequent local edits.
func (o *OpLog) SetAgent(agent string) error {
	a, err := checkAgent(agent)
	if err != nil {
		return err
	}
	o.agent = a
	return nil
}

// Agent returns the current local editing identity.
func (o *OpLog) Agent() string { return string(o.agent) }

// Len returns the number of operations in the log.
func (o *OpLog) Len() int { return o.log.Len() }

// Ins inserts text at the character position pos, parented on the current
// frontier.
func (o *OpLog) Ins(pos int, text string) error {
	return o.InsAt(nil, pos, text)
}

// InsAt inserts text parented on an explicit version. A nil parents value
// means the current frontier.
func (o *OpLog) InsAt(parents types.Frontier, pos int, text string) error {
	content := []rune(text)
	if len(content) == 0 {
		return xerrors.Errorf("empty insert")
	}
	if pos < 0 {
		return xerrors.Errorf("insert position %d", pos)
	}
	lv, err := o.addLocal(parents, len(content))
	if err != nil {
		return err
	}
	return o.log.Push(lv, types.Operation{
		Kind: types.Ins, Pos: pos, Len: len(content), Fwd: true, Content: content,
	})
}

// Del deletes length characters starting at pos, parented on the current
// frontier. With Options.RetainDeleted set, the removed characters are kept
// so history can be replayed backwards.
func (o *OpLog) Del(pos, length int) error {
	return o.DelAt(nil, pos, length)
}

// DelAt deletes parented on an explicit version. A nil parents value means
// the current frontier.
func (o *OpLog) DelAt(parents types.Frontier, pos, length int) error {
	if length <= 0 {
		return xerrors.Errorf("delete length %d", length)
	}
	if pos < 0 {
		return xerrors.Errorf("delete position %d", pos)
	}
	var content []rune
	if o.retainDeleted {
		content = o.deletedChars(parents, pos, length)
	}
	lv, err := o.addLocal(parents, length)
	if err != nil {
		return err
	}
	return o.log.Push(lv, types.Operation{
		Kind: types.Del, Pos: pos, Len: length, Fwd: true, Content: content,
	})
}

// deletedChars renders the characters a delete removes, when cheaply
// derivable. Deletes against the current frontier read them from a
// materialized branch; deletes against older versions skip retention.
func (o *OpLog) deletedChars(parents types.Frontier, pos, length int) []rune {
	if parents != nil && !parents.Eq(o.log.CG().Frontier()) {
		return nil
	}
	b := NewBranch()
	if err := b.Merge(o, o.log.CG().Frontier()); err != nil {
		return nil
	}
	doc := b.content.Runes()
	if pos+length > len(doc) {
		return nil
	}
	return doc[pos : pos+length]
}

func (o *OpLog) addLocal(parents types.Frontier, count int) (types.LV, error) {
	g := o.log.CG()
	if parents == nil {
		return g.AddLocal(o.agent, count), nil
	}
	return g.AddLocalWithParents(o.agent, count, parents)
}

// LocalVersion returns the current frontier in local version indices.
func (o *OpLog) LocalVersion() types.Frontier {
	return o.log.CG().Frontier().Clone()
}

// RemoteVersion returns the current frontier as (agent, seq) pairs, sorted
// canonically so converged peers report identical versions.
func (o *OpLog) RemoteVersion() []types.RawVersion {
	raws := o.log.CG().LVToRawList(o.log.CG().Frontier())
	slices.SortFunc(raws, func(a, b types.RawVersion) int { return a.Cmp(b) })
	return raws
}

// LocalToRemoteVersion converts local version indices to (agent, seq)
// pairs.
func (o *OpLog) LocalToRemoteVersion(lvs []types.LV) []types.RawVersion {
	return o.log.CG().LVToRawList(lvs)
}

// ToBytes serializes the entire log.
func (o *OpLog) ToBytes() ([]byte, error) {
	return codec.Encode(o.log, nil, codec.EncodeOpts{Compress: o.compress})
}

// PatchSince serializes everything the log knows past the given version.
// The version must be dominated by the current frontier.
func (o *OpLog) PatchSince(since types.Frontier) ([]byte, error) {
	return codec.Encode(o.log, since, codec.EncodeOpts{Compress: o.compress})
}

// AddFromBytes ingests a serialized log or patch. Operations already known
// are deduplicated; a failed ingest leaves the log untouched. Returns the
// frontier after ingest.
func (o *OpLog) AddFromBytes(data []byte) (types.Frontier, error) {
	patch, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	staged := o.log.Clone()
	added, err := patch.Apply(staged)
	if err != nil {
		return nil, err
	}
	o.log = staged
	o.logger.Debug().Int("ops", added).Msg("ingested patch")
	return o.LocalVersion(), nil
}

// FromBytes builds a log from serialized bytes, editing as the given agent.
func FromBytes(data []byte, agent string) (*OpLog, error) {
	o := New(agent)
	if _, err := o.AddFromBytes(data); err != nil {
		return nil, err
	}
	return o, nil
}

// Clone returns an independent deep copy of the log.
func (o *OpLog) Clone() *OpLog {
	return &OpLog{
		log:           o.log.Clone(),
		agent:         o.agent,
		logger:        o.logger,
		compress:      o.compress,
		retainDeleted: o.retainDeleted,
	}
}

// Ops returns every operation in the log, one entry per run.
func (o *OpLog) Ops() []types.Operation {
	var ops []types.Operation
	o.log.VisitRange(types.LVRange{Start: 0, End: types.LV(o.log.Len())},
		func(_ types.LV, op types.Operation) {
			ops = append(ops, op)
		})
	return ops
}

// History returns the causal graph entries, one per run, with parents.
func (o *OpLog) History() []causalgraph.CGEntry {
	g := o.log.CG()
	var entries []causalgraph.CGEntry
	g.VisitEntriesRange(types.LVRange{Start: 0, End: g.NextLV()},
		func(e causalgraph.CGEntry) {
			entries = append(entries, e)
		})
	return entries
}

// XF returns the whole log as transformed operations: replaying them in
// order against an empty document reproduces the current document.
func (o *OpLog) XF() ([]merge.XFOp, error) {
	return o.XFSince(nil)
}

// XFSince transforms the operations needed to move a document at the given
// version up to the current frontier.
func (o *OpLog) XFSince(since types.Frontier) ([]merge.XFOp, error) {
	ops, _, err := merge.Transform(o.log, since, o.log.CG().Frontier(), o.logger)
	return ops, err
}

// MergeVersions returns the canonical join of two frontiers.
func (o *OpLog) MergeVersions(a, b types.Frontier) types.Frontier {
	return o.log.CG().MergeFrontiers(a, b)
}

// VersionContains reports whether the frontier v dominates the version at
// lv.
func (o *OpLog) VersionContains(v types.Frontier, lv types.LV) bool {
	return o.log.CG().VersionContainsLV(v, lv)
}

// Summarize returns a compact version vector for catch-up exchanges.
func (o *OpLog) Summarize() causalgraph.VersionSummary {
	return o.log.CG().Summarize()
}

// MissingFrom returns the history entries a peer holding the given summary
// lacks.
func (o *OpLog) MissingFrom(summary causalgraph.VersionSummary) []causalgraph.CGEntry {
	return o.log.CG().IntersectWithSummary(summary)
}

// CharsToWchars converts a character position in the current document into
// UTF-16 code units.
func (o *OpLog) CharsToWchars(pos int) (int, error) {
	doc, err := o.currentDoc()
	if err != nil {
		return 0, err
	}
	return charsToWchars(doc, pos), nil
}

// WcharsToChars converts a UTF-16 code-unit position in the current
// document into characters.
func (o *OpLog) WcharsToChars(wpos int) (int, error) {
	doc, err := o.currentDoc()
	if err != nil {
		return 0, err
	}
	return wcharsToChars(doc, wpos), nil
}

func (o *OpLog) currentDoc() ([]rune, error) {
	b := NewBranch()
	if err := b.Merge(o, o.log.CG().Frontier()); err != nil {
		return nil, err
	}
	return b.content.Runes(), nil
}
