package prepstatement_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/prepstatement"
)

type fakePlan struct {
	query    string
	tag      string
	saved    int
	released int
}

func (f *fakePlan) Query() string      { return f.query }
func (f *fakePlan) CommandTag() string { return f.tag }
func (f *fakePlan) Save() error        { f.saved++; return nil }
func (f *fakePlan) Release()           { f.released++ }

func selectPlan(query string) *fakePlan {
	return &fakePlan{query: query, tag: "SELECT"}
}

func TestStoreAndFetch(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	plan := selectPlan("SELECT 1")

	assert.NoError(dir.Store("q1", plan, prepstatement.StoreFlags{FromSQL: true}))
	assert.Equal(1, plan.saved)
	assert.Equal(1, dir.Count())

	entry, err := dir.Fetch("q1", true)
	assert.NoError(err)
	assert.Equal("q1", entry.Name)
	assert.True(entry.FromSQL)
	assert.Same(plan, entry.Plan.(*fakePlan))
}

func TestStoreEmptyName(t *testing.T) {
	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	err := dir.Store("", selectPlan("SELECT 1"), prepstatement.StoreFlags{})
	assert.Error(t, err)
}

func TestStoreIdenticalDefinitionIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	first := selectPlan("SELECT 1")
	assert.NoError(dir.Store("q1", first, prepstatement.StoreFlags{}))

	// a re-prepare with the same definition is accepted and changes
	// nothing
	again := selectPlan("SELECT 1")
	assert.NoError(dir.Store("q1", again, prepstatement.StoreFlags{}))
	assert.Equal(1, dir.Count())
	assert.Equal(0, again.saved)

	entry, err := dir.Fetch("q1", true)
	assert.NoError(err)
	assert.Same(first, entry.Plan.(*fakePlan))
}

func TestStoreConflictingDefinitionFails(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	assert.NoError(dir.Store("q1", selectPlan("SELECT 1"), prepstatement.StoreFlags{}))

	err := dir.Store("q1", selectPlan("SELECT 2"), prepstatement.StoreFlags{})
	assert.Error(err)
	assert.Equal(xcerror.XC_DUPLICATE_PSTATEMENT, xcerror.CodeOf(err))
}

func TestStoreRewriteReplacesPlan(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	old := selectPlan("SELECT 1")
	assert.NoError(dir.Store("q1", old, prepstatement.StoreFlags{}))

	next := selectPlan("SELECT 2")
	assert.NoError(dir.Store("q1", next, prepstatement.StoreFlags{Rewrite: true}))
	assert.Equal(1, old.released)
	assert.Equal(1, next.saved)

	entry, err := dir.Fetch("q1", true)
	assert.NoError(err)
	assert.Same(next, entry.Plan.(*fakePlan))

	// rewrite only applies within the same command type
	other := &fakePlan{query: "UPDATE t SET a=1", tag: "UPDATE"}
	err = dir.Store("q1", other, prepstatement.StoreFlags{Rewrite: true})
	assert.Error(err)
	assert.Equal(xcerror.XC_DUPLICATE_PSTATEMENT, xcerror.CodeOf(err))
}

func TestFetchMissing(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})

	entry, err := dir.Fetch("nope", false)
	assert.NoError(err)
	assert.Nil(entry)

	_, err = dir.Fetch("nope", true)
	assert.Error(err)
	assert.Equal(xcerror.XC_UNDEFINED_PSTATEMENT, xcerror.CodeOf(err))
}

func TestDropReleasesInOrder(t *testing.T) {
	assert := assert.New(t)

	var events []string
	dir := prepstatement.NewDirectory(8, prepstatement.Hooks{
		DisconnectQueue: func(name string) {
			events = append(events, "disconnect:"+name)
		},
		CloseRemote: func(name string, nodes []int) {
			sort.Ints(nodes)
			events = append(events, "close:"+name)
			assert.Equal([]int{2, 5}, nodes)
		},
	})

	plan := selectPlan("SELECT 1")
	assert.NoError(dir.Store("q1", plan, prepstatement.StoreFlags{}))
	dir.ActivateOnNode("q1", 2)
	dir.ActivateOnNode("q1", 5)

	assert.NoError(dir.Drop("q1", true))
	assert.Equal(1, plan.released)
	assert.Equal(0, dir.Count())
	assert.Equal([]string{"disconnect:q1", "close:q1"}, events)
	assert.False(dir.HasAnyActive())

	// dropping again: silent without required, error with
	assert.NoError(dir.Drop("q1", false))
	err := dir.Drop("q1", true)
	assert.Error(err)
	assert.Equal(xcerror.XC_UNDEFINED_PSTATEMENT, xcerror.CodeOf(err))
}

func TestDropAll(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	for _, name := range []string{"q1", "q2", "q3"} {
		assert.NoError(dir.Store(name, selectPlan("SELECT "+name), prepstatement.StoreFlags{}))
		dir.ActivateOnNode(name, 0)
	}

	dir.DropAll()
	assert.Equal(0, dir.Count())
	assert.False(dir.HasAnyActive())
}

func TestActivationLifecycle(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(8, prepstatement.Hooks{})

	// first routing to a node requires a PREPARE, the second does not
	assert.False(dir.ActivateOnNode("q1", 2))
	assert.False(dir.ActivateOnNode("q1", 5))
	assert.True(dir.ActivateOnNode("q1", 2))
	assert.ElementsMatch([]int{2, 5}, dir.ActiveNodes("q1"))
	assert.True(dir.HasAnyActive())

	// recycling node 2's connection forgets the statement there only
	dir.DeactivateOnNode(2)
	assert.ElementsMatch([]int{5}, dir.ActiveNodes("q1"))
	assert.False(dir.ActivateOnNode("q1", 2))
	assert.True(dir.ActivateOnNode("q1", 5))

	dir.DeactivateOnNode(2)
	dir.DeactivateOnNode(5)
	assert.False(dir.HasAnyActive())
	assert.Empty(dir.ActiveNodes("q1"))
}

func TestActivationContractViolationsPanic(t *testing.T) {
	dir := prepstatement.NewDirectory(2, prepstatement.Hooks{})
	assert.Panics(t, func() { dir.ActivateOnNode("q1", 2) })
	assert.Panics(t, func() { dir.ActivateOnNode("q1", -1) })
}

func TestActiveNodesReturnsCopy(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(4, prepstatement.Hooks{})
	dir.ActivateOnNode("q1", 1)
	dir.ActivateOnNode("q1", 3)

	nodes := dir.ActiveNodes("q1")
	nodes[0] = 99
	assert.ElementsMatch([]int{1, 3}, dir.ActiveNodes("q1"))

	assert.Nil(dir.ActiveNodes("never-routed"))
}

func TestRebuildActivationTable(t *testing.T) {
	assert := assert.New(t)

	dir := prepstatement.NewDirectory(8, prepstatement.Hooks{})
	dir.ActivateOnNode("q1", 1)
	dir.ActivateOnNode("q1", 6)
	dir.ActivateOnNode("q2", 7)

	// shrinking drops activations on vanished nodes
	dir.RebuildActivationTable(4)
	assert.ElementsMatch([]int{1}, dir.ActiveNodes("q1"))
	assert.Empty(dir.ActiveNodes("q2"))

	// the new bound is enforced
	assert.Panics(func() { dir.ActivateOnNode("q1", 6) })

	// growing makes the new indices usable
	dir.RebuildActivationTable(16)
	assert.False(dir.ActivateOnNode("q1", 12))
	assert.ElementsMatch([]int{1, 12}, dir.ActiveNodes("q1"))
}

// TestActivationAgainstReferenceModel drives the activation table with a
// random operation sequence and checks it against a plain set-of-sets
// model.
func TestActivationAgainstReferenceModel(t *testing.T) {
	assert := assert.New(t)

	const nodeCount = 6
	names := []string{"q1", "q2", "q3", "q4"}

	dir := prepstatement.NewDirectory(nodeCount, prepstatement.Hooks{})
	model := map[string]map[int]bool{}

	rng := rand.New(rand.NewSource(20260829))
	for step := 0; step < 2000; step++ {
		name := names[rng.Intn(len(names))]
		node := rng.Intn(nodeCount)

		switch rng.Intn(3) {
		case 0:
			was := dir.ActivateOnNode(name, node)
			if model[name] == nil {
				model[name] = map[int]bool{}
			}
			assert.Equal(model[name][node], was, "step %d", step)
			model[name][node] = true
		case 1:
			dir.DeactivateOnNode(node)
			for _, set := range model {
				delete(set, node)
			}
		case 2:
			want := make([]int, 0, nodeCount)
			for idx := range model[name] {
				want = append(want, idx)
			}
			assert.ElementsMatch(want, dir.ActiveNodes(name), "step %d", step)
		}
	}

	anyActive := false
	for _, set := range model {
		if len(set) > 0 {
			anyActive = true
		}
	}
	assert.Equal(anyActive, dir.HasAnyActive())
}
