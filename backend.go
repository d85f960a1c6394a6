package docsense

import (
	"github.com/TomRiddelsdell/docsense-sub001/internal/codecs"
	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
	"github.com/TomRiddelsdell/docsense-sub001/schema"
)

type backend struct {
	exec   pg.Executor
	codec  codecs.Codec
	schema *schema.Bootstrap
}

// Backend is the shared infrastructure surface the event store, failure
// tracker, and projections are constructed from. *Store implements it.
type Backend interface {
	DBExecutor() pg.Executor
	JSONCodec() codecs.Codec
	SchemaBootstrap() *schema.Bootstrap
}
