package raftadapter

import (
	"shardkeeper/pkg/metadata"

	"github.com/google/uuid"
)

// Cmd is the raft log entry payload: a metadata command tagged with the id
// the proposer waits on.
type Cmd struct {
	ID      uuid.UUID        `json:"id"`
	Command metadata.Command `json:"command"`
}

func NewCmd(command metadata.Command) Cmd {
	return Cmd{
		ID:      uuid.New(),
		Command: command,
	}
}
