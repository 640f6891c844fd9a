package tasksource

import (
	"context"
	"fmt"
	"sync"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// Index is a full-text index over task name/application/workflow/args,
// built on the teacher's bleve usage (pkg/search/manager.go): an
// in-memory index mapping with per-field keyword/text analyzers. It
// backs Search on the Workflow and Consume-all task sources
// (SPEC_FULL.md §4.1). Balsam has no file content to index — the
// document is the task's scheduling metadata, not a payload.
type Index struct {
	mu  sync.Mutex
	idx bleve.Index
}

func taskIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	taskMapping := bleve.NewDocumentMapping()

	name := bleve.NewTextFieldMapping()
	name.Store = true
	name.Index = true
	taskMapping.AddFieldMappingsAt("name", name)

	app := bleve.NewTextFieldMapping()
	app.Store = true
	app.Index = true
	app.Analyzer = "keyword"
	taskMapping.AddFieldMappingsAt("application", app)

	workflow := bleve.NewTextFieldMapping()
	workflow.Store = true
	workflow.Index = true
	workflow.Analyzer = "keyword"
	taskMapping.AddFieldMappingsAt("workflow", workflow)

	args := bleve.NewTextFieldMapping()
	args.Store = false
	args.Index = true
	taskMapping.AddFieldMappingsAt("args", args)

	state := bleve.NewTextFieldMapping()
	state.Store = true
	state.Index = true
	state.Analyzer = "keyword"
	taskMapping.AddFieldMappingsAt("state", state)

	im.AddDocumentMapping("task", taskMapping)
	im.DefaultType = "task"
	return im
}

// NewIndex builds an in-memory index. A durable, on-disk index is not
// worth the complication here: the index is fully rebuildable from the
// store and Balsam launchers are short-lived per allocation.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(taskIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("tasksource: open search index: %w", err)
	}
	return &Index{idx: idx}, nil
}

type taskDoc struct {
	Name        string `json:"name"`
	Application string `json:"application"`
	Workflow    string `json:"workflow"`
	Args        string `json:"args"`
	State       string `json:"state"`
}

// Index upserts a task's searchable fields.
func (x *Index) Index(t *taskmodel.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	doc := taskDoc{
		Name:        t.Name,
		Application: t.Application,
		Workflow:    t.Workflow,
		Args:        t.ApplicationArgs,
		State:       string(t.State),
	}
	return x.idx.Index(t.ID.String(), doc)
}

// Delete drops a task from the index, e.g. once it reaches an end state
// and is pruned from the active working set.
func (x *Index) Delete(id uuid.UUID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Delete(id.String())
}

// Search runs a bleve query string query and returns matching task IDs
// in relevance order.
func (x *Index) Search(ctx context.Context, query string) ([]uuid.UUID, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	bq := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(bq)
	req.Size = 1000
	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tasksource: search %q: %w", query, err)
	}
	ids := make([]uuid.UUID, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Searchable is implemented by task sources whose membership is broad
// enough that free-text search is useful (Workflow, Consume-all).
type Searchable interface {
	Source
	Search(ctx context.Context, query string) ([]uuid.UUID, error)
}

// searchableSource wraps a baseSource with a shared Index, filtering
// search hits back down to store tasks the base membership allows.
type searchableSource struct {
	*baseSource
	index *Index
}

// NewSearchableWorkflow is NewWorkflow plus bleve-backed Search.
func NewSearchableWorkflow(store taskmodel.Storage, workflow string, index *Index) Searchable {
	return &searchableSource{
		baseSource: &baseSource{store: store, filter: func(t *taskmodel.Task) bool { return t.Workflow == workflow }},
		index:      index,
	}
}

// NewSearchableConsumeAll is NewConsumeAll plus bleve-backed Search.
func NewSearchableConsumeAll(store taskmodel.Storage, index *Index) Searchable {
	return &searchableSource{baseSource: &baseSource{store: store}, index: index}
}

func (s *searchableSource) Search(ctx context.Context, query string) ([]uuid.UUID, error) {
	hits, err := s.index.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if s.filter == nil {
		return hits, nil
	}
	out := make([]uuid.UUID, 0, len(hits))
	for _, id := range hits {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if s.filter(t) {
			out = append(out, id)
		}
	}
	return out, nil
}
