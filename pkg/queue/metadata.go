package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/rollq/pkg/rollcycle"
	"github.com/calvinalkan/rollq/pkg/tablestore"
)

// Queue metadata layout inside tablestore.Metadata.Data.
const (
	metadataVersion = 1

	offMetaEpoch     = 0  // int64 epoch millis
	offMetaBlockSize = 8  // int64
	offMetaNameLen   = 16 // uint8
	offMetaName      = 17 // roll cycle name
	maxRollNameLen   = tablestore.MetadataSize - offMetaName
)

// queueMetadata is what a queue persists about itself on creation.
type queueMetadata struct {
	rollCycle rollcycle.RollCycle
	epoch     int64
	blockSize int64
}

func (m queueMetadata) encode() tablestore.Metadata {
	out := tablestore.Metadata{Version: metadataVersion}

	name := m.rollCycle.Name()[:min(len(m.rollCycle.Name()), maxRollNameLen)]

	binary.LittleEndian.PutUint64(out.Data[offMetaEpoch:], uint64(m.epoch))
	binary.LittleEndian.PutUint64(out.Data[offMetaBlockSize:], uint64(m.blockSize))
	out.Data[offMetaNameLen] = byte(len(name))
	copy(out.Data[offMetaName:], name)

	return out
}

func decodeMetadata(raw tablestore.Metadata) (queueMetadata, error) {
	if raw.Version != metadataVersion {
		return queueMetadata{}, fmt.Errorf("metadata version %d, want %d: %w", raw.Version, metadataVersion, ErrIncompatible)
	}

	n := int(raw.Data[offMetaNameLen])
	if n > maxRollNameLen {
		return queueMetadata{}, fmt.Errorf("roll cycle name length %d: %w", n, ErrIncompatible)
	}

	rc, err := rollcycle.ByName(string(raw.Data[offMetaName : offMetaName+n]))
	if err != nil {
		return queueMetadata{}, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}

	m := queueMetadata{
		rollCycle: rc,
		epoch:     int64(binary.LittleEndian.Uint64(raw.Data[offMetaEpoch:])),
		blockSize: int64(binary.LittleEndian.Uint64(raw.Data[offMetaBlockSize:])),
	}

	err = validateBlockSize(m.blockSize)
	if err != nil {
		return queueMetadata{}, fmt.Errorf("%w: %w", ErrIncompatible, err)
	}

	return m, nil
}
