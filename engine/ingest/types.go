package ingest

// DocumentInput is a raw document submitted for ingestion. Text may contain
// HTML; it is cleaned before chunking.
type DocumentInput struct {
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IngestResult summarizes one ingestion: the id of the first chunk node (the
// handle callers use for the document), the detected language, and how many
// chunk nodes were created.
type IngestResult struct {
	ID     string `json:"id"`
	Lang   string `json:"lang"`
	Chunks int    `json:"chunks"`
}

// NodeUpdate is a partial update to a stored node. Nil fields are left
// untouched. RegenEmbedding re-embeds the text and rebuilds the node's
// derived relationships.
type NodeUpdate struct {
	Text           *string        `json:"text,omitempty"`
	Title          *string        `json:"title,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegenEmbedding bool           `json:"regen_embedding,omitempty"`
}

// cleanedDoc is the output of the clean + language-detection stages.
type cleanedDoc struct {
	Input DocumentInput
	Text  string
	Lang  string
}

// chunkedDoc carries the cleaned document split into chunks.
type chunkedDoc struct {
	cleanedDoc
	Chunks []string
}

// embeddedDoc pairs each chunk with its embedding.
type embeddedDoc struct {
	chunkedDoc
	Embeddings [][]float32
}
