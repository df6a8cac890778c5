package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	docs   []Document
	maxDoc int64
}

func (f *fakeSource) Visible(maxVersionSpecified int64) ([]Document, error) {
	var out []Document
	for _, d := range f.docs {
		if d.Version <= maxVersionSpecified {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) MaxDoc() int64 { return f.maxDoc }

func TestCompute_OrderIndependent(t *testing.T) {
	forward := &fakeSource{docs: []Document{
		{DocID: "a", Version: 1},
		{DocID: "b", Version: 2},
		{DocID: "c", Version: 3},
	}, maxDoc: 3}
	backward := &fakeSource{docs: []Document{
		{DocID: "c", Version: 3},
		{DocID: "b", Version: 2},
		{DocID: "a", Version: 1},
	}, maxDoc: 3}

	fpF, err := Compute(forward, AtHead)
	require.NoError(t, err)
	fpB, err := Compute(backward, AtHead)
	require.NoError(t, err)

	require.Equal(t, 0, Compare(fpF, fpB))
}

func TestCompute_RespectsCutoff(t *testing.T) {
	src := &fakeSource{docs: []Document{
		{DocID: "a", Version: 1},
		{DocID: "b", Version: 5},
		{DocID: "c", Version: 10},
	}, maxDoc: 3}

	fp, err := Compute(src, 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, fp.NumDocs)
	require.EqualValues(t, 5, fp.MaxVersionEncountered)
	require.EqualValues(t, 5, fp.MaxVersionSpecified)
}

func TestCompare_DetectsContentDivergence(t *testing.T) {
	a := &fakeSource{docs: []Document{{DocID: "a", Version: 1}}, maxDoc: 1}
	b := &fakeSource{docs: []Document{{DocID: "a", Version: 2}}, maxDoc: 1}

	fpA, err := Compute(a, AtHead)
	require.NoError(t, err)
	fpB, err := Compute(b, AtHead)
	require.NoError(t, err)

	require.NotEqual(t, 0, Compare(fpA, fpB))
}

func TestCompute_EmptyIndex(t *testing.T) {
	src := &fakeSource{}
	fp, err := Compute(src, AtHead)
	require.NoError(t, err)
	require.Zero(t, fp.NumDocs)
	require.Zero(t, fp.Hash)
	require.Zero(t, fp.MaxVersionEncountered)
}
