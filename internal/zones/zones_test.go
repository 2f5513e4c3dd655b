package zones

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyClampsBelowAndAbove(t *testing.T) {
	classifier, err := NewClassifier(DefaultZones())
	require.NoError(t, err)

	require.Equal(t, Cool, classifier.Classify(-10).ID)
	require.Equal(t, Cool, classifier.Classify(0).ID)
	require.Equal(t, Cool, classifier.Classify(99.9).ID)
	require.Equal(t, Active, classifier.Classify(100).ID)
	require.Equal(t, Warm, classifier.Classify(125).ID)
	require.Equal(t, Hot, classifier.Classify(140).ID)
	require.Equal(t, Fire, classifier.Classify(160).ID)
	require.Equal(t, Fire, classifier.Classify(250).ID)
}

func TestClassifyMatchesExactlyOneZone(t *testing.T) {
	classifier, err := NewClassifier(DefaultZones())
	require.NoError(t, err)

	// Bounds are contiguous: each boundary belongs to the upper band only.
	for _, boundary := range []float64{100, 120, 140, 160} {
		below := classifier.Classify(boundary - 0.1)
		at := classifier.Classify(boundary)
		require.NotEqual(t, below.ID, at.ID, "boundary %v", boundary)
	}
}

func TestNewClassifierRejectsNegativeRate(t *testing.T) {
	zones := DefaultZones()
	zones[2].CoinRate = -1
	_, err := NewClassifier(zones)
	require.ErrorIs(t, err, ErrNegativeRate)
}

func TestNewClassifierRejectsNonAscendingBounds(t *testing.T) {
	zones := DefaultZones()
	zones[3].MinHeartRate = zones[2].MinHeartRate
	_, err := NewClassifier(zones)
	require.ErrorIs(t, err, ErrNonAscendingBounds)
}

func TestNewClassifierRequiresAllZones(t *testing.T) {
	_, err := NewClassifier(DefaultZones()[:4])
	require.ErrorIs(t, err, ErrIncompleteZones)

	zones := DefaultZones()
	zones[4].ID = Cool
	_, err = NewClassifier(zones)
	require.ErrorIs(t, err, ErrIncompleteZones)
}

func TestTreasureBoxAccrual(t *testing.T) {
	box := NewTreasureBox()
	warm := Zone{ID: Warm, CoinRate: 2}
	fire := Zone{ID: Fire, CoinRate: 5}

	require.Equal(t, 2.0, box.Accrue(warm, "e1"))
	require.Equal(t, 4.0, box.Accrue(warm, "e1"))
	require.Equal(t, 5.0, box.Accrue(fire, "e2"))

	require.Equal(t, 4.0, box.EntityTotal("e1"))
	require.Equal(t, 5.0, box.EntityTotal("e2"))
	require.Equal(t, 9.0, box.Total())
	require.Equal(t, map[ID]float64{Warm: 4, Fire: 5}, box.PerZone())
}

func TestTreasureBoxTransfer(t *testing.T) {
	box := NewTreasureBox()
	warm := Zone{ID: Warm, CoinRate: 2}

	box.Accrue(warm, "old")
	box.Accrue(warm, "old")
	box.Transfer("old", "new")

	require.Equal(t, 0.0, box.EntityTotal("old"))
	require.Equal(t, 4.0, box.EntityTotal("new"))
	// Session-wide totals are unaffected by handoffs.
	require.Equal(t, 4.0, box.Total())
}
