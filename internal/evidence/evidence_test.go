package evidence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
)

func TestReportAndDrain(t *testing.T) {
	r := NewReporter(8)
	step := messages.NewVoteStep(1, 0, messages.Prevote)

	r.Report(Report{Step: step, Signer: 3})
	r.Report(Report{Step: step, Signer: 5})

	got := r.Drain()
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Signer)
	require.Equal(t, uint64(5), got[1].Signer)

	require.Empty(t, r.Drain())
}

func TestReportEvictsOldestWhenFull(t *testing.T) {
	r := NewReporter(2)
	step := messages.NewVoteStep(1, 0, messages.Prevote)

	r.Report(Report{Step: step, Signer: 1})
	r.Report(Report{Step: step, Signer: 2})
	r.Report(Report{Step: step, Signer: 3})

	got := r.Drain()
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].Signer)
	require.Equal(t, uint64(3), got[1].Signer)
}
