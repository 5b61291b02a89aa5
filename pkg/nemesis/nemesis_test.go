package nemesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/elchinoo/tempest/pkg/remote"
	"github.com/elchinoo/tempest/pkg/types"
)

// fakeRemote records executed commands per node.
type fakeRemote struct {
	mu   sync.Mutex
	cmds map[string][]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{cmds: map[string][]string{}}
}

func (f *fakeRemote) record(node, cmd string) remote.ExecResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[node] = append(f.cmds[node], cmd)
	return remote.ExecResult{}
}

func (f *fakeRemote) Exec(_ context.Context, node, cmd string) (remote.ExecResult, error) {
	return f.record(node, cmd), nil
}

func (f *fakeRemote) ExecExclusive(_ context.Context, node, cmd string) (remote.ExecResult, error) {
	return f.record(node, cmd), nil
}

func (f *fakeRemote) Upload(context.Context, string, string, string) error   { return nil }
func (f *fakeRemote) Download(context.Context, string, string, string) error { return nil }
func (f *fakeRemote) Close() error                                           { return nil }

func (f *fakeRemote) commandsMatching(node, substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds[node] {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func testWithNodes(nodes ...string) *types.Test {
	return &types.Test{Nodes: nodes, ClientThreads: 1, NemesisThreads: 1}
}

func TestGrudgeHalvesSplitsCluster(t *testing.T) {
	g := GrudgeHalves([]string{"n1", "n2", "n3", "n4", "n5"})
	if len(g["n1"]) != 2 {
		t.Errorf("majority node blocks %d peers, want 2", len(g["n1"]))
	}
	if len(g["n4"]) != 3 {
		t.Errorf("minority node blocks %d peers, want 3", len(g["n4"]))
	}
	for _, peer := range g["n1"] {
		if peer == "n1" {
			t.Error("node holds a grudge against itself")
		}
	}
}

func TestGrudgeIsolateCutsOneNode(t *testing.T) {
	g := GrudgeIsolate("n2", []string{"n1", "n2", "n3"})
	if len(g["n2"]) != 2 {
		t.Errorf("victim blocks %d peers, want 2", len(g["n2"]))
	}
	if len(g["n1"]) != 1 || g["n1"][0] != "n2" {
		t.Errorf("peer grudge wrong: %v", g["n1"])
	}
}

func TestPartitionerLifecycle(t *testing.T) {
	rmt := newFakeRemote()
	p := NewPartitioner(rmt)
	test := testWithNodes("n1", "n2")

	op := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FStartPartition}
	res, err := p.Invoke(context.Background(), test, op)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != types.OpOk {
		t.Fatalf("start-partition completion %v", res.Type)
	}
	if _, ok := res.Value.(Grudge); !ok {
		t.Fatalf("completion does not carry the grudge: %v", res.Value)
	}
	if rmt.commandsMatching("n1", "DROP") == 0 {
		t.Fatal("no drop rules installed on n1")
	}

	// Teardown heals even while partitioned.
	if err := p.Teardown(context.Background(), test); err != nil {
		t.Fatal(err)
	}
	if rmt.commandsMatching("n1", "-F") == 0 {
		t.Fatal("teardown did not flush rules")
	}
}

func TestPartitionerRejectsForeignFault(t *testing.T) {
	p := NewPartitioner(newFakeRemote())
	op := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: "kill"}
	_, err := p.Invoke(context.Background(), testWithNodes("n1"), op)
	var fatal *types.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("want FatalError, got %v", err)
	}
}

// fakeDB implements db.Killable and records per-node process state.
type fakeDB struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakeDB(nodes ...string) *fakeDB {
	f := &fakeDB{running: map[string]bool{}}
	for _, n := range nodes {
		f.running[n] = true
	}
	return f
}

func (f *fakeDB) set(node string, up bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[node] = up
	return nil
}

func (f *fakeDB) Kill(_ context.Context, _ *types.Test, node string) error {
	return f.set(node, false)
}
func (f *fakeDB) Stop(_ context.Context, _ *types.Test, node string) error {
	return f.set(node, false)
}
func (f *fakeDB) Start(_ context.Context, _ *types.Test, node string) error {
	return f.set(node, true)
}

func (f *fakeDB) up(node string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[node]
}

func TestKillerStateMachine(t *testing.T) {
	fdb := newFakeDB("n1", "n2")
	k := NewKiller(fdb)
	test := testWithNodes("n1", "n2")
	if err := k.Setup(context.Background(), test); err != nil {
		t.Fatal(err)
	}

	kill := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FKill, Value: "n1"}
	res, err := k.Invoke(context.Background(), test, kill)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != types.OpOk {
		t.Fatalf("kill completion %v", res.Type)
	}
	if fdb.up("n1") {
		t.Fatal("n1 still running after kill")
	}
	if !fdb.up("n2") {
		t.Fatal("kill of n1 touched n2")
	}

	start := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FStart, Value: "n1"}
	if _, err := k.Invoke(context.Background(), test, start); err != nil {
		t.Fatal(err)
	}
	if !fdb.up("n1") {
		t.Fatal("n1 not running after start")
	}
}

func TestKillerTeardownRestartsEverything(t *testing.T) {
	fdb := newFakeDB("n1", "n2")
	k := NewKiller(fdb)
	test := testWithNodes("n1", "n2")
	_ = k.Setup(context.Background(), test)

	kill := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FKill}
	if _, err := k.Invoke(context.Background(), test, kill); err != nil {
		t.Fatal(err)
	}
	if fdb.up("n1") || fdb.up("n2") {
		t.Fatal("cluster-wide kill missed a node")
	}
	if err := k.Teardown(context.Background(), test); err != nil {
		t.Fatal(err)
	}
	if !fdb.up("n1") || !fdb.up("n2") {
		t.Fatal("teardown left nodes down")
	}
}

func TestComposeDispatchesByTag(t *testing.T) {
	fdb := newFakeDB("n1")
	killer := NewKiller(fdb)
	test := testWithNodes("n1")
	composed := Compose(Tagged{Tags: []string{FKill, FStart, FStop}, Nemesis: killer})
	_ = composed.Setup(context.Background(), test)

	kill := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FKill}
	if _, err := composed.Invoke(context.Background(), test, kill); err != nil {
		t.Fatal(err)
	}
	if fdb.up("n1") {
		t.Fatal("composed nemesis did not route kill")
	}

	unknown := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: "melt"}
	_, err := composed.Invoke(context.Background(), test, unknown)
	var fatal *types.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("unknown fault must be fatal, got %v", err)
	}
}

// applierFunc adapts a function to TopologyApplier.
type applierFunc func(ctx context.Context, test *types.Test, next Topology) error

func (f applierFunc) Apply(ctx context.Context, test *types.Test, next Topology) error {
	return f(ctx, test, next)
}

func TestTopologyAddAndRemove(t *testing.T) {
	applied := 0
	n := NewTopologyNemesis(applierFunc(func(context.Context, *types.Test, Topology) error {
		applied++
		return nil
	}), Topology{Active: []string{"n1"}, Roles: map[string]string{"n1": "data"}})

	test := testWithNodes("n1")
	add := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FAddNode, Value: "n2"}
	res, err := n.Invoke(context.Background(), test, add)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != types.OpOk {
		t.Fatalf("add-node completion %v", res.Type)
	}
	if got := n.Current(); len(got.Active) != 2 {
		t.Fatalf("topology not updated: %v", got.Active)
	}

	// Re-adding is a definite failure, not a crash.
	res, err = n.Invoke(context.Background(), test, add)
	if err != nil || res.Type != types.OpFail {
		t.Fatalf("duplicate add: res=%v err=%v", res.Type, err)
	}

	rm := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FRemoveNode, Value: "n1"}
	if _, err := n.Invoke(context.Background(), test, rm); err != nil {
		t.Fatal(err)
	}
	got := n.Current()
	if len(got.Active) != 1 || got.Active[0] != "n2" {
		t.Fatalf("remove-node left %v", got.Active)
	}
	if applied != 2 {
		t.Fatalf("applier called %d times, want 2 (the duplicate add never applies)", applied)
	}
}

func TestTopologyRollsBackOnApplyFailure(t *testing.T) {
	n := NewTopologyNemesis(applierFunc(func(context.Context, *types.Test, Topology) error {
		return errors.New("cluster said no")
	}), Topology{Active: []string{"n1"}})

	add := types.Op{Process: types.ProcessNemesis, Type: types.OpInvoke, F: FAddNode, Value: "n2"}
	if _, err := n.Invoke(context.Background(), testWithNodes("n1"), add); err == nil {
		t.Fatal("apply failure swallowed")
	}
	if got := n.Current(); len(got.Active) != 1 {
		t.Fatalf("failed apply published topology: %v", got.Active)
	}
}
