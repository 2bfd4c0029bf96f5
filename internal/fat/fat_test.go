// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fat_test

import (
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/fat"
	"github.com/googlecloudplatform/teachos/internal/locker"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestFat(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const testSectors = 64

type FatTest struct {
	dev   *blockdev.MemDevice
	table *fat.Table
}

func init() { RegisterTestSuite(&FatTest{}) }

func (t *FatTest) SetUp(ti *TestInfo) {
	locker.EnableInvariantsCheck()

	t.dev = blockdev.NewMemDevice(testSectors)

	var err error
	t.table, err = fat.Format(t.dev)
	AssertEq(nil, err)
}

// chain reads the whole chain starting at c.
func (t *FatTest) chain(c fat.Cluster) (out []fat.Cluster) {
	for c != fat.EndOfChain {
		out = append(out, c)
		c = t.table.Next(c)
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *FatTest) FormatAllocatesRoot() {
	// The root chain is a single cluster.
	ExpectThat(t.chain(fat.RootCluster), ElementsAre(fat.RootCluster))
}

func (t *FatTest) CreateChainStartsNewChains() {
	c1, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	c2, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	ExpectNe(c1, c2)
	ExpectThat(t.chain(c1), ElementsAre(c1))
	ExpectThat(t.chain(c2), ElementsAre(c2))
}

func (t *FatTest) CreateChainLinksAfterPrev() {
	head, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	mid, err := t.table.CreateChain(head)
	AssertEq(nil, err)

	tail, err := t.table.CreateChain(mid)
	AssertEq(nil, err)

	ExpectThat(t.chain(head), ElementsAre(head, mid, tail))
}

func (t *FatTest) FirstFitReusesFreedClusters() {
	head, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	_, err = t.table.CreateChain(head)
	AssertEq(nil, err)

	t.table.RemoveChain(head, 0)

	// The next allocation lands on the lowest freed cluster.
	reused, err := t.table.CreateChain(0)
	AssertEq(nil, err)
	ExpectEq(head, reused)
}

func (t *FatTest) RemoveChainSuffix() {
	head, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	mid, err := t.table.CreateChain(head)
	AssertEq(nil, err)

	_, err = t.table.CreateChain(mid)
	AssertEq(nil, err)

	// Cut the chain after head.
	t.table.RemoveChain(mid, head)
	ExpectThat(t.chain(head), ElementsAre(head))
}

func (t *FatTest) ExhaustionReturnsNoSpace() {
	free := t.table.FreeCount()
	AssertGt(free, 0)

	prev := fat.Cluster(0)
	for i := 0; i < free; i++ {
		c, err := t.table.CreateChain(prev)
		AssertEq(nil, err)
		prev = c
	}

	_, err := t.table.CreateChain(prev)
	ExpectEq(fat.ErrNoSpace, err)
}

func (t *FatTest) ClustersPartitionAfterChurn() {
	// Allocate three chains, remove one, extend another; then check that
	// allocated plus free covers every cluster exactly once.
	var heads []fat.Cluster
	for i := 0; i < 3; i++ {
		head, err := t.table.CreateChain(0)
		AssertEq(nil, err)

		_, err = t.table.CreateChain(head)
		AssertEq(nil, err)

		heads = append(heads, head)
	}

	t.table.RemoveChain(heads[1], 0)

	tail := t.chain(heads[2])
	_, err := t.table.CreateChain(tail[len(tail)-1])
	AssertEq(nil, err)

	seen := make(map[fat.Cluster]int)
	for _, head := range []fat.Cluster{fat.RootCluster, heads[0], heads[2]} {
		for _, c := range t.chain(head) {
			seen[c]++
		}
	}

	for _, count := range seen {
		ExpectEq(1, count)
	}

	// Total = chained + free + the two reserved clusters.
	ExpectEq(t.table.ClusterCount(), len(seen)+t.table.FreeCount()+2)
}

func (t *FatTest) FlushAndReopen() {
	head, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	next, err := t.table.CreateChain(head)
	AssertEq(nil, err)

	AssertEq(nil, t.table.Close())

	reopened, err := fat.Open(t.dev)
	AssertEq(nil, err)

	ExpectEq(next, reopened.Next(head))
	ExpectEq(fat.EndOfChain, reopened.Next(next))
	ExpectEq(t.table.FreeCount(), reopened.FreeCount())
}

func (t *FatTest) ClusterSectorMappingRoundTrips() {
	c, err := t.table.CreateChain(0)
	AssertEq(nil, err)

	s := t.table.ClusterToSector(c)
	AssertLt(s, testSectors)
	ExpectEq(c, t.table.SectorToCluster(s))
}
