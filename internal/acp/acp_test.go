package acp

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoJob struct {
	Job
	memos []Memo
}

func (j memoJob) Memos() []Memo { return j.memos }

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "NEGOTIATION", PhaseNegotiation.String())
	assert.Equal(t, "COMPLETED", PhaseCompleted.String())
	assert.Equal(t, "PHASE(42)", Phase(42).String())
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("transaction")
	require.NoError(t, err)
	assert.Equal(t, PhaseTransaction, p)

	p, err = ParsePhase("5")
	require.NoError(t, err)
	assert.Equal(t, PhaseRejected, p)

	_, err = ParsePhase("shipping")
	assert.Error(t, err)
}

func TestHasMemoTo(t *testing.T) {
	job := memoJob{memos: []Memo{
		{ID: 1, NextPhase: PhaseNegotiation},
		{ID: 2, NextPhase: PhaseTransaction},
	}}
	assert.True(t, HasMemoTo(job, PhaseTransaction))
	assert.False(t, HasMemoTo(job, PhaseCompleted))
	assert.False(t, HasMemoTo(memoJob{}, PhaseTransaction))
}

func TestErrorMessageAndKind(t *testing.T) {
	cause := errors.New("insufficient allowance")
	err := WrapError(KindPayment, cause, "pay job 17")

	assert.Equal(t, "pay job 17: insufficient allowance", MessageOf(err))
	assert.Equal(t, KindPayment, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, &Error{Kind: KindPayment}))
	assert.False(t, errors.Is(err, &Error{Kind: KindEvaluation}))

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.Equal(t, KindPayment, KindOf(wrapped))

	assert.Nil(t, WrapError(KindPayment, nil, "unused"))
	assert.Equal(t, "", MessageOf(nil))
	assert.Equal(t, "plain", MessageOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "boom", MessageOf(&Error{Kind: KindBuild, Err: errors.New("boom")}))
}

func TestCredentialsRedaction(t *testing.T) {
	creds := Credentials{PrivateKey: "0xdeadbeef", EntityID: 7, WalletAddress: "0xabc"}

	assert.NotContains(t, creds.String(), "deadbeef")
	assert.Contains(t, creds.String(), "entity=7")

	v := creds.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())
	for _, attr := range v.Group() {
		assert.NotEqual(t, "0xdeadbeef", attr.Value.String())
	}
}
