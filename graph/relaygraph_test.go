package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/earendil-go/earendil/crypt"
)

func newTestVertex(t *testing.T) (Vertex, crypt.IdentityPublic, crypt.IdentitySecret) {
	t.Helper()

	id, err := crypt.GenerateIdentity()
	require.NoError(t, err)

	onion, err := crypt.GenerateOnionSecret()
	require.NoError(t, err)

	return Vertex{Fingerprint: id.Fingerprint(), OnionKey: onion.Public()}, id.Public(), id
}

func TestInsertEdgeRequiresKnownVertices(t *testing.T) {
	t.Parallel()

	g := New()
	va, _, _ := newTestVertex(t)
	vb, _, _ := newTestVertex(t)

	err := g.InsertEdge(Edge{A: va.Fingerprint, B: vb.Fingerprint})
	require.ErrorIs(t, err, ErrUnknownVertex)
}

func TestVerifyAndInsertEdgeBadSignature(t *testing.T) {
	t.Parallel()

	g := New()
	va, pubA, _ := newTestVertex(t)
	vb, pubB, _ := newTestVertex(t)
	g.AddVertex(va)
	g.AddVertex(vb)

	e := Edge{A: va.Fingerprint, B: vb.Fingerprint, SigA: []byte("bogus"), SigB: []byte("bogus")}
	err := g.VerifyAndInsertEdge(e, pubA, pubB)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyAndInsertEdgeValid(t *testing.T) {
	t.Parallel()

	g := New()
	va, pubA, idA := newTestVertex(t)
	vb, pubB, idB := newTestVertex(t)
	g.AddVertex(va)
	g.AddVertex(vb)

	msg := claimMsg(va.Fingerprint, vb.Fingerprint)
	e := Edge{
		A:    va.Fingerprint,
		B:    vb.Fingerprint,
		SigA: idA.Sign(msg),
		SigB: idB.Sign(msg),
	}
	require.NoError(t, g.VerifyAndInsertEdge(e, pubA, pubB))

	neighbors := g.Neighbors(va.Fingerprint)
	require.Contains(t, neighbors, vb.Fingerprint)
}

func TestPrunesVerticesWithoutEdges(t *testing.T) {
	t.Parallel()

	g := New()
	v, _, _ := newTestVertex(t)
	g.AddVertex(v)

	_, ok := g.Vertex(v.Fingerprint)
	require.True(t, ok)

	g.Prune()

	_, ok = g.Vertex(v.Fingerprint)
	require.False(t, ok)
}

func TestPathFindsShortestHopCount(t *testing.T) {
	t.Parallel()

	g := New()
	verts := make([]Vertex, 4)
	ids := make([]crypt.IdentitySecret, 4)
	pubs := make([]crypt.IdentityPublic, 4)
	for i := range verts {
		v, pub, id := newTestVertex(t)
		verts[i] = v
		pubs[i] = pub
		ids[i] = id
		g.AddVertex(v)
	}

	link := func(i, j int) {
		msg := claimMsg(verts[i].Fingerprint, verts[j].Fingerprint)
		e := Edge{
			A:    verts[i].Fingerprint,
			B:    verts[j].Fingerprint,
			SigA: ids[i].Sign(msg),
			SigB: ids[j].Sign(msg),
		}
		require.NoError(t, g.VerifyAndInsertEdge(e, pubs[i], pubs[j]))
	}

	// 0 -- 1 -- 2 -- 3, plus a direct 0 -- 3 shortcut.
	link(0, 1)
	link(1, 2)
	link(2, 3)
	link(0, 3)

	paths := g.Path(verts[0].Fingerprint, verts[3].Fingerprint, 5)
	require.NotEmpty(t, paths)
	require.Len(t, paths[0], 1)
	require.Equal(t, verts[3].Fingerprint, paths[0][0])
}
