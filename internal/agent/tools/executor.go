package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metrics"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// Store is the metadata store contract the tools are written against.
type Store interface {
	Sample(ctx context.Context, uid string) (model.MetadataRecord, error)
	SamplesByUIDs(ctx context.Context, uids []string) (model.SampleMetadata, error)
	Children(ctx context.Context, uid string) ([]string, error)
	Descendants(ctx context.Context, uid string, filter []string) ([]string, error)
	UIDsByTerms(ctx context.Context, fields, terms []string) ([]string, error)
	AttributeCatalog(ctx context.Context, sampleTypes []string) (model.AttributeCatalog, error)
}

// Updater runs the bulk metadata update pipeline.
type Updater interface {
	Run(ctx context.Context, file *model.FileData) model.UpdateInfo
}

// Call is one tool invocation chosen by the oracle.
type Call struct {
	Agent model.NodeID
	Tool  ToolID
	Args  map[string]any
	// File is the upload attached to the turn, used by the update pipeline.
	File *model.FileData
}

// Executor dispatches tool calls to the metadata store.
type Executor struct {
	store   Store
	updater Updater
	metrics metrics.Recorder
}

func NewExecutor(store Store, updater Updater, rec metrics.Recorder) *Executor {
	return &Executor{store: store, updater: updater, metrics: metrics.OrNop(rec)}
}

// Execute runs call and returns the resource it produced, or nil when the
// tool found nothing. The store work runs on its own goroutine so a caller
// whose context ends is released without waiting for the query.
func (e *Executor) Execute(ctx context.Context, call Call) (res model.Resource, err error) {
	if _, err := Resolve(call.Agent, string(call.Tool)); err != nil {
		e.metrics.ObserveTool(string(call.Agent), string(call.Tool), "unavailable", 0)
		return nil, err
	}

	ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
		Name:      string(call.Tool),
		Type:      string(call.Agent),
		Component: components.ComponentOfTool,
	})
	args, _ := json.Marshal(call.Args)
	ctx = callbacks.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: string(args)})
	defer func() {
		if err != nil {
			callbacks.OnError(ctx, err)
			return
		}
		out, _ := json.Marshal(res)
		callbacks.OnEnd(ctx, &tool.CallbackOutput{Response: string(out)})
	}()

	type result struct {
		res model.Resource
		err error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("tool %s panicked: %v", call.Tool, r)}
			}
		}()
		res, err := e.dispatch(ctx, call)
		done <- result{res: res, err: err}
	}()

	var out result
	select {
	case <-ctx.Done():
		out = result{err: ctx.Err()}
	case out = <-done:
	}
	if out.err == nil && out.res != nil {
		out.err = checkSlot(call.Tool, out.res)
	}

	outcome := "ok"
	switch {
	case out.err != nil:
		outcome = "error"
	case out.res == nil:
		outcome = "empty"
	}
	e.metrics.ObserveTool(string(call.Agent), string(call.Tool), outcome, time.Since(start))
	logx.Debug().
		Str("agent", string(call.Agent)).
		Str("tool", string(call.Tool)).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("tool executed")
	return out.res, out.err
}

func (e *Executor) dispatch(ctx context.Context, call Call) (model.Resource, error) {
	switch call.Tool {
	case RetrieveSampleInfo:
		var a UIDArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		rec, err := e.store.Sample(ctx, uid)
		if err != nil || rec == nil {
			return nil, err
		}
		return model.SampleMetadata{rec}, nil

	case GetSampleName:
		var a UIDArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		rec, err := e.store.Sample(ctx, uid)
		if err != nil || rec == nil || rec.Name() == "" {
			return nil, err
		}
		return model.SampleMetadata{{"UID": uid, "Name": rec.Name()}}, nil

	case FetchProtocol:
		var a UIDArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		rec, err := e.store.Sample(ctx, uid)
		if err != nil || rec == nil {
			return nil, err
		}
		protocol := protocolOf(rec)
		if protocol == "" {
			return nil, nil
		}
		return model.ProtocolURL(Link(protocol)), nil

	case FetchChildren:
		var a UIDArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		return uidList(e.store.Children(ctx, uid))

	case FetchAllDescendants:
		var a DescendantArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		return uidList(e.store.Descendants(ctx, uid, a.Filter))

	case FetchAllMetadata:
		var a DescendantArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		uid, err := requireUID(call.Tool, a.UID)
		if err != nil {
			return nil, err
		}
		ids, err := e.store.Descendants(ctx, uid, a.Filter)
		if err != nil {
			return nil, err
		}
		return sampleMetadata(e.store.SamplesByUIDs(ctx, append(ids, uid)))

	case AddLinks:
		var a UIDArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		return model.SampleURL(Link(a.UID)), nil

	case GetMetadataByUIDs:
		var a UIDListArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		if len(a.UID) == 0 {
			return nil, fmt.Errorf("invalid arguments for %s: uid list is required", call.Tool)
		}
		return sampleMetadata(e.store.SamplesByUIDs(ctx, a.UID))

	case GetUIDsByTermsAndField:
		var a TermArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		return uidList(e.store.UIDsByTerms(ctx, a.KeyString, a.Terms))

	case UpdateMetadataPipeline:
		if e.updater == nil {
			return nil, fmt.Errorf("%w: update pipeline is not configured", ErrToolNotAvailable)
		}
		return e.updater.Run(ctx, call.File), nil

	case GetSTAttributes:
		var a SampleTypeArgs
		if err := decodeArgs(call.Tool, call.Args, &a); err != nil {
			return nil, err
		}
		cat, err := e.store.AttributeCatalog(ctx, a.SampleType)
		if err != nil || len(cat) == 0 {
			return nil, err
		}
		return cat, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrToolNotAvailable, call.Tool)
	}
}

func protocolOf(rec model.MetadataRecord) string {
	switch v := rec["Protocol"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			return fmt.Sprint(v[0])
		}
	case map[string]any:
		if id, ok := v["id"]; ok {
			return fmt.Sprint(id)
		}
	}
	return ""
}

func uidList(ids []string, err error) (model.Resource, error) {
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return model.UIDList(ids), nil
}

func sampleMetadata(recs model.SampleMetadata, err error) (model.Resource, error) {
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs, nil
}
