package cipc

import (
	"testing"
	"time"

	"github.com/slackhq/cipc/config"
	"github.com/slackhq/cipc/test"
	"github.com/slackhq/cipc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRingTable(t *testing.T) {
	table := DefaultRingTable()
	require.NoError(t, table.Validate())

	for i, s := range table.Transfer {
		assert.Equal(t, TransferRingID(i), s.ID)
		assert.Zero(t, s.PayloadSize%4, "%s footer is word aligned", s.ID)
	}
	for i, s := range table.Completion {
		assert.Equal(t, CompletionRingID(i), s.ID)
	}

	assert.Equal(t, 256, table.Transfer[RingSCOH2D].PayloadSize, "footer rounds up to whole words")
	assert.Equal(t, uint16(1<<RingHCIH2D|1<<RingACLH2D), table.Completion[CompletionHCIACLAck].mask())
	assert.Equal(t, wire.TransferRingVirtual|wire.TransferRingSync, table.Transfer[RingSCOD2H].flags())
	assert.True(t, table.Transfer[RingACLD2H].DeviceToHost())
	assert.False(t, table.Transfer[RingACLH2D].DeviceToHost())
}

func TestRingTable_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(t *RingTable)
		err    string
	}{
		{
			name:   "too few entries",
			modify: func(t *RingTable) { t.Transfer[RingHCIH2D].Entries = 1 },
			err:    "hci_h2d has 1 entries",
		},
		{
			name:   "too many entries",
			modify: func(t *RingTable) { t.Completion[CompletionSCOAck].Entries = 257 },
			err:    "sco_ack has 257 entries",
		},
		{
			name:   "footer too large",
			modify: func(t *RingTable) { t.Transfer[RingSCOH2D].PayloadSize = 2000 },
			err:    "in-line payload",
		},
		{
			name:   "waiting on a virtual ring",
			modify: func(t *RingTable) { t.Transfer[RingHCID2H].AllowWait = true },
			err:    "can not be waited on",
		},
		{
			name:   "receive buffers without buffers",
			modify: func(t *RingTable) { t.Transfer[RingACLD2H].MappedPayloadSize = 0 },
			err:    "needs mapped buffers",
		},
		{
			name:   "receive buffers with footer",
			modify: func(t *RingTable) { t.Transfer[RingACLD2H].PayloadSize = 8 },
			err:    "in-line payload",
		},
		{
			name:   "unknown completion ring",
			modify: func(t *RingTable) { t.Transfer[RingACLH2D].CompletionRing = 9 },
			err:    "unknown ring 9",
		},
		{
			name:   "completion ring does not route",
			modify: func(t *RingTable) { t.Transfer[RingACLH2D].CompletionRing = CompletionSCOAck },
			err:    "not routed by completion ring sco_ack",
		},
		{
			name: "completion ring routes unknown ring",
			modify: func(t *RingTable) {
				t.Completion[CompletionSCOAck].Transfers = append(t.Completion[CompletionSCOAck].Transfers, 7)
			},
			err: "unknown transfer ring 7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := DefaultRingTable()
			tt.modify(&table)
			err := table.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestNewRingSetConfigFromConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString("transport: {}"))
	cfg, err := NewRingSetConfigFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultBringUpTimeout, cfg.BringUpTimeout)
	assert.Equal(t, 128, cfg.Table.Transfer[RingACLH2D].Entries)

	c = config.NewC(l)
	require.NoError(t, c.LoadString(`
transport:
  timeout: 250ms
  bringup_timeout: 3s
rings:
  acl_h2d:
    entries: 64
  hci_acl_event:
    entries: 32
`))
	cfg, err = NewRingSetConfigFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 3*time.Second, cfg.BringUpTimeout)
	assert.Equal(t, 64, cfg.Table.Transfer[RingACLH2D].Entries)
	assert.Equal(t, 32, cfg.Table.Completion[CompletionHCIACLEvent].Entries)
	assert.Equal(t, 128, cfg.Table.Transfer[RingACLD2H].Entries)

	c = config.NewC(l)
	require.NoError(t, c.LoadString("rings: {control: {entries: 1000}}"))
	_, err = NewRingSetConfigFromConfig(c)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRingNames(t *testing.T) {
	assert.Equal(t, "acl_d2h", RingACLD2H.String())
	assert.Equal(t, "transfer(9)", TransferRingID(9).String())
	assert.Equal(t, "sco_event", CompletionSCOEvent.String())
	assert.Equal(t, "completion(7)", CompletionRingID(7).String())
	assert.Equal(t, "event", PacketEvent.String())
	assert.Equal(t, "unknown(0)", PacketKind(0).String())
}
