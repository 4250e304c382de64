// Package depwalker implements the breadth-first dependency resolver:
// given root requirement strings, it selects a compatible version for each
// requirement it encounters and discovers transitive requirements by
// introspecting either a remote archive (via the seekable-HTTP primitive)
// or a locally cached one, never downloading a full archive when it can
// avoid it.
package depwalker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-h/honesty/archive"
	"github.com/a-h/honesty/cache"
	"github.com/a-h/honesty/markers"
	"github.com/a-h/honesty/pypiindex"
	"github.com/a-h/honesty/requirement"
	"golang.org/x/sync/semaphore"
)

// wheelRemoteThreshold is the size above which a wheel's metadata is read
// via a seekable remote zip read rather than a full download.
const wheelRemoteThreshold = 20 * 1024 * 1024

// NodeKey identifies a DepNode: canonical name, chosen version and a
// sorted, comma-joined extras tuple.
type NodeKey struct {
	Name    string
	Version string
	Extras  string
}

func newNodeKey(name, ver string, extras []string) NodeKey {
	sorted := append([]string(nil), extras...)
	sort.Strings(sorted)
	return NodeKey{Name: name, Version: ver, Extras: strings.Join(sorted, ",")}
}

// DepEdge records one requirement discovery: the originating specifier and
// marker text, and the node it resolved to.
type DepEdge struct {
	From   *DepNode
	To     *DepNode
	Spec   string
	Marker string
}

// DepNode is a walked package version. Nodes are created once per key and
// never re-walked; Done is set once its transitive requirements have been
// enqueued.
type DepNode struct {
	Key      NodeKey
	HasSdist bool
	HasWheel bool
	Done     bool
	Edges    []*DepEdge // edges from this node to its dependencies, in discovery order
}

// pkgFuture resolves to a parsed Package, shared across every requirement
// that names the same package so concurrent callers dedupe onto one fetch.
type pkgFuture struct {
	done chan struct{}
	pkg  *pypiindex.Package
	err  error
}

func (f *pkgFuture) wait() (*pypiindex.Package, error) {
	<-f.done
	return f.pkg, f.err
}

// CurrentVersionsFunc reports the version of name already installed in the
// caller's environment, if any, supporting "prefer what I already have"
// resolution.
type CurrentVersionsFunc func(name string) (ver string, ok bool)

// Config configures a Walker.
type Config struct {
	Log             *slog.Logger
	Cache           *cache.Cache
	Archive         *archive.Reader
	HTTPClient      *http.Client
	Env             markers.Environment
	PoolSize        int  // default 24
	AllExtras       bool // enqueue extra-gated dependencies of every package, whatever extras were requested
	TrimNewer       time.Time
	HasTrimNewer    bool
	CurrentVersions CurrentVersionsFunc
}

// Conflict records that two edges chose different versions of the same
// package.
type Conflict struct {
	Name string
	From string
	To   string
}

// Walker is a single resolution run. Its mutable state (queue, nodes,
// alreadyChosen, knownConflicts, futures) is touched only from the Walk
// goroutine; worker-pool tasks submitted via submitPackageFetch return
// values through the future and never touch that state directly.
type Walker struct {
	cfg Config

	sem *semaphore.Weighted

	mu         sync.Mutex // guards pkgFutures only: fetches complete on pool goroutines
	pkgFutures map[string]*pkgFuture

	nodes          map[NodeKey]*DepNode
	alreadyChosen  map[string]string
	knownConflicts []Conflict

	Root *DepNode
}

type queueItem struct {
	parent *DepNode
	name   string
	future *pkgFuture
	req    *requirement.Requirement
	// viaExtras is the extras context the requirement was discovered under:
	// an extras-gated dependency re-evaluates its marker against these at
	// dequeue, so the extra that let it through the gate stays true.
	viaExtras []string
}

// New constructs a Walker. A nil logger, HTTP client or pool size fall back
// to slog.Default(), http.DefaultClient and 24 respectively.
func New(cfg Config) *Walker {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 24
	}
	return &Walker{
		cfg:           cfg,
		sem:           semaphore.NewWeighted(int64(cfg.PoolSize)),
		pkgFutures:    map[string]*pkgFuture{},
		nodes:         map[NodeKey]*DepNode{},
		alreadyChosen: map[string]string{},
		Root:          &DepNode{Key: NodeKey{Name: "", Version: ""}},
	}
}

// Conflicts returns every package-version conflict detected during the walk.
func (w *Walker) Conflicts() []Conflict { return w.knownConflicts }

// submitPackageFetch returns the existing future for name or starts a new
// background fetch on the bounded worker pool.
func (w *Walker) submitPackageFetch(ctx context.Context, name string) *pkgFuture {
	w.mu.Lock()
	if f, ok := w.pkgFutures[name]; ok {
		w.mu.Unlock()
		return f
	}
	f := &pkgFuture{done: make(chan struct{})}
	w.pkgFutures[name] = f
	w.mu.Unlock()

	go func() {
		defer close(f.done)
		if err := w.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer w.sem.Release(1)
		f.pkg, f.err = w.fetchPackage(ctx, name)
	}()
	return f
}

func (w *Walker) fetchPackage(ctx context.Context, name string) (*pypiindex.Package, error) {
	path, err := w.cfg.Cache.FetchIndexJSON(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fetching index for %s: %w", name, err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cached index for %s: %w", name, err)
	}
	pkg, err := pypiindex.ParseJSON(name, name, body, false)
	if err != nil {
		return nil, fmt.Errorf("parsing index for %s: %w", name, err)
	}
	return pkg, nil
}

// Walk runs the BFS over rootRequirements and returns the synthetic root
// node, whose edges are the resolved root requirements.
func (w *Walker) Walk(ctx context.Context, rootRequirements []string) (*DepNode, error) {
	var queue []queueItem

	for _, rs := range rootRequirements {
		req, err := requirement.Parse(rs)
		if err != nil {
			return nil, fmt.Errorf("parsing root requirement %q: %w", rs, err)
		}
		req.Name = pypiindex.Canonicalize(req.Name)
		future := w.submitPackageFetch(ctx, req.Name)
		queue = append(queue, queueItem{parent: w.Root, name: req.Name, future: future, req: req})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if item.req.Marker != nil {
			ok, err := item.req.Marker.Eval(w.cfg.Env.WithExtras(item.viaExtras))
			if err != nil {
				return nil, fmt.Errorf("evaluating marker for %s: %w", item.req.OriginalName, err)
			}
			if !ok {
				w.cfg.Log.Debug("dropping requirement: marker false", slog.String("requirement", item.req.String()))
				continue
			}
		}

		pkg, err := item.future.wait()
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", item.name, err)
		}

		chosen, err := w.pickVersion(pkg, item.req)
		if err != nil {
			return nil, fmt.Errorf("selecting version for %s: %w", item.name, err)
		}

		if prev, ok := w.alreadyChosen[pkg.Name]; ok && prev != chosen {
			w.knownConflicts = append(w.knownConflicts, Conflict{Name: pkg.Name, From: prev, To: chosen})
		}
		w.alreadyChosen[pkg.Name] = chosen

		key := newNodeKey(pkg.Name, chosen, item.req.Extras)
		node, existed := w.nodes[key]
		if !existed {
			release, _ := pkg.Release(chosen)
			node = &DepNode{Key: key, HasSdist: hasKind(release, pypiindex.SDIST), HasWheel: hasKind(release, pypiindex.BDIST_WHEEL)}
			w.nodes[key] = node
		}

		edge := &DepEdge{From: item.parent, To: node, Spec: item.req.SpecifierString, Marker: item.req.MarkerString}
		item.parent.Edges = append(item.parent.Edges, edge)

		if node.Done {
			continue
		}
		node.Done = true

		release, _ := pkg.Release(chosen)
		reqStrings, err := w.fetchRequirements(ctx, pkg, release)
		if err != nil {
			return nil, fmt.Errorf("discovering requirements of %s==%s: %w", pkg.Name, chosen, err)
		}

		for _, rs := range reqStrings {
			dep, err := requirement.Parse(rs)
			if err != nil {
				w.cfg.Log.Warn("dropping unparseable dependency", slog.String("package", pkg.Name), slog.String("requirement", rs), slog.Any("error", err))
				continue
			}
			ok, gateExtra := w.extraGate(dep, item.req)
			if !ok {
				continue
			}
			via := item.req.Extras
			if gateExtra != "" && !contains(via, gateExtra) {
				via = append(append([]string(nil), via...), gateExtra)
			}
			dep.Name = pypiindex.Canonicalize(dep.Name)
			future := w.submitPackageFetch(ctx, dep.Name)
			queue = append(queue, queueItem{parent: node, name: dep.Name, future: future, req: dep, viaExtras: via})
		}
	}

	return w.Root, nil
}

// extraGate reports whether dep should be enqueued given the extras
// requested on the requirement that led to it, and which extra (if any) let
// it through. A dependency whose marker references `extra` only applies when
// that extra is among the extras the walker was asked to resolve for the
// parent requirement (or AllExtras is set); every other dependency is always
// enqueued, its own marker evaluated at dequeue time.
func (w *Walker) extraGate(dep *requirement.Requirement, parentReq *requirement.Requirement) (ok bool, gateExtra string) {
	if dep.Marker == nil {
		return true, ""
	}
	extra, found := referencedExtra(dep.Marker)
	if !found {
		return true, ""
	}
	if w.cfg.AllExtras || parentReq.HasExtra(extra) {
		return true, extra
	}
	return false, ""
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// referencedExtra inspects a marker for an `extra == "..."` leaf and returns
// the literal it's compared against, descending through `and` chains so the
// `(expr) and extra == 'x'` form requires.txt conversion produces is found.
// Extras only ever appear as == conjuncts, so `or` branches are not searched.
func referencedExtra(m markers.Marker) (string, bool) {
	switch v := m.(type) {
	case markers.Compare:
		if v.Op != "==" {
			return "", false
		}
		if v.Left.String() == "extra" {
			return strings.Trim(v.Right.String(), `"`), true
		}
		if v.Right.String() == "extra" {
			return strings.Trim(v.Left.String(), `"`), true
		}
	case markers.And:
		if extra, ok := referencedExtra(v.Left); ok {
			return extra, true
		}
		return referencedExtra(v.Right)
	}
	return "", false
}

func hasKind(release *pypiindex.Release, kind pypiindex.FileKind) bool {
	if release == nil {
		return false
	}
	for _, f := range release.Files {
		if f.Kind == kind {
			return true
		}
	}
	return false
}
