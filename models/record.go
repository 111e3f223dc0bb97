package models

// VertexRecord is the stored form of a vertex with its consensus state.
type VertexRecord struct {
	Vertex     *Vertex    `json:"vertex"`
	Status     Status     `json:"status"`
	Confidence Confidence `json:"confidence"`
	Height     uint64     `json:"height"`
	InsertedAt int64      `json:"inserted_at"` // unix timestamp in ms
	DecidedAt  int64      `json:"decided_at,omitempty"`
}

// Checkpoint summarizes the decided part of the graph at some point in time.
type Checkpoint struct {
	ID             string     `json:"id"`
	Tips           []VertexID `json:"tips"`
	FinalizedCount uint64     `json:"finalized_count"`
	RejectedCount  uint64     `json:"rejected_count"`
	FinalHeight    uint64     `json:"final_height"`
	Timestamp      int64      `json:"timestamp"` // unix timestamp in ms
}
