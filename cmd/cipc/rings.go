package main

import (
	"io"

	"github.com/slackhq/cipc"
	"github.com/slackhq/cipc/config"
	"go.yaml.in/yaml/v3"
)

type ringLayout struct {
	Name           string   `yaml:"name"`
	Entries        int      `yaml:"entries"`
	EntrySize      int      `yaml:"entry_size"`
	Doorbell       *uint8   `yaml:"doorbell,omitempty"`
	CompletionRing string   `yaml:"completion_ring,omitempty"`
	MappedPayload  int      `yaml:"mapped_payload,omitempty"`
	Flags          []string `yaml:"flags,omitempty"`
}

// writeRings prints every ring of the table built from c.
func writeRings(w io.Writer, c *config.C) error {
	t, err := cipc.NewRingTableFromConfig(c)
	if err != nil {
		return err
	}

	out := map[string][]ringLayout{}
	for _, s := range t.Completion {
		out["completion"] = append(out["completion"], ringLayout{
			Name:      s.ID.String(),
			Entries:   s.Entries,
			EntrySize: s.EntrySize(),
		})
	}
	for _, s := range t.Transfer {
		db := s.Doorbell
		r := ringLayout{
			Name:           s.ID.String(),
			Entries:        s.Entries,
			EntrySize:      s.EntrySize(),
			Doorbell:       &db,
			CompletionRing: s.CompletionRing.String(),
			MappedPayload:  s.MappedPayloadSize,
		}
		if s.Virtual {
			r.Flags = append(r.Flags, "virtual")
		}
		if s.Sync {
			r.Flags = append(r.Flags, "sync")
		}
		if s.ReceiveBuffersOnly {
			r.Flags = append(r.Flags, "receive_buffers")
		}
		if s.AllowWait {
			r.Flags = append(r.Flags, "wait")
		}
		out["transfer"] = append(out["transfer"], r)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
