package validator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMacroStateAllNilOptionalFields(t *testing.T) {
	s := &MacroState{
		Height:       42,
		Round:        3,
		Step:         StepPropose,
		Contribution: NewContribution(),
	}

	raw, err := EncodeMacroState(s)
	require.NoError(t, err)

	decoded, err := DecodeMacroState(raw)
	require.NoError(t, err)

	require.Equal(t, s.Height, decoded.Height)
	require.Equal(t, s.Round, decoded.Round)
	require.Equal(t, s.Step, decoded.Step)
	require.Nil(t, decoded.LockedValue)
	require.Nil(t, decoded.LockedRound)
	require.Nil(t, decoded.ValidValue)
	require.Nil(t, decoded.ValidRound)
	require.Equal(t, 0, decoded.Contribution.Len())
}

func TestEncodeDecodeMacroStateWithLockedAndValidValues(t *testing.T) {
	locked := Hash{0x11}
	valid := Hash{0x22}
	lockedRound := uint32(2)
	validRound := uint32(1)

	s := &MacroState{
		Height:       100,
		Round:        5,
		Step:         StepPrecommit,
		LockedValue:  &locked,
		LockedRound:  &lockedRound,
		ValidValue:   &valid,
		ValidRound:   &validRound,
		Contribution: NewContribution(),
	}

	raw, err := EncodeMacroState(s)
	require.NoError(t, err)
	decoded, err := DecodeMacroState(raw)
	require.NoError(t, err)

	require.NotNil(t, decoded.LockedValue)
	require.Equal(t, locked, *decoded.LockedValue)
	require.NotNil(t, decoded.LockedRound)
	require.Equal(t, lockedRound, *decoded.LockedRound)
	require.NotNil(t, decoded.ValidValue)
	require.Equal(t, valid, *decoded.ValidValue)
	require.NotNil(t, decoded.ValidRound)
	require.Equal(t, validRound, *decoded.ValidRound)
}

func TestEncodeDecodeMacroStateWithContribution(t *testing.T) {
	hash := Hash{0x33}
	vote := TendermintVote{Height: 7, Round: 0, Step: StepPrevote, ProposalHash: &hash}
	contribution := NewContributionFromVote(vote, 4, testVotingKey(t, 99))

	s := &MacroState{Height: 7, Round: 0, Step: StepPrevote, Contribution: contribution}

	raw, err := EncodeMacroState(s)
	require.NoError(t, err)
	decoded, err := DecodeMacroState(raw)
	require.NoError(t, err)

	require.Equal(t, 1, decoded.Contribution.Len())
	require.True(t, decoded.Contribution.Contributors().Test(4))
}

func TestDecodeMacroStateRejectsWrongVersion(t *testing.T) {
	s := &MacroState{Contribution: NewContribution()}
	raw, err := EncodeMacroState(s)
	require.NoError(t, err)

	raw[0] = wireVersion + 1
	_, err = DecodeMacroState(raw)
	require.Error(t, err)
}

func TestDecodeMacroStateRejectsTruncatedBuffer(t *testing.T) {
	s := &MacroState{Height: 1, Round: 1, Contribution: NewContribution()}
	raw, err := EncodeMacroState(s)
	require.NoError(t, err)

	_, err = DecodeMacroState(raw[:len(raw)-1])
	require.Error(t, err)
}
