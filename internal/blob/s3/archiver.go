package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const (
	snapshotPrefix = "snapshots/"
	eventPrefix    = "events/"
	eventPageSize  = 1000
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// EventSource is the slice of domain.EventStore the archiver reads.
type EventSource interface {
	ListSince(ctx context.Context, afterSeq uint64, limit int) ([]domain.MarketEvent, error)
}

// Archiver implements domain.Archiver. Snapshots are written as single JSON
// documents; journal segments as JSONL, one event per line. Object names
// carry zero-padded sequence numbers so they sort in journal order.
//
// Nothing is deleted from the primary stores here.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events EventSource
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, events EventSource, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, events: events, audit: audit}
}

// ArchiveSnapshot uploads snap to snapshots/<seq>.json and returns the path.
// A snapshot already archived at that sequence is left as is.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap domain.Snapshot) (string, error) {
	path := snapshotPath(snap.Seq)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot %d: %w", snap.Seq, err)
	}
	if exists {
		return path, nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot %d marshal: %w", snap.Seq, err)
	}

	if err := a.upload(ctx, path, data, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot %d: %w", snap.Seq, err)
	}
	a.log(ctx, "archive.snapshot", map[string]any{
		"path": path,
		"seq":  snap.Seq,
		"size": len(data),
	})
	return path, nil
}

// ArchiveEvents uploads every journaled event after afterSeq as one JSONL
// segment. It returns the segment path and the last archived sequence
// number; with nothing to archive it returns "" and afterSeq.
func (a *Archiver) ArchiveEvents(ctx context.Context, afterSeq uint64) (string, uint64, error) {
	var (
		buf   bytes.Buffer
		last  = afterSeq
		count int
	)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for {
		page, err := a.events.ListSince(ctx, last, eventPageSize)
		if err != nil {
			return "", afterSeq, fmt.Errorf("s3blob: archive events query after %d: %w", last, err)
		}
		for _, ev := range page {
			if err := enc.Encode(ev); err != nil {
				return "", afterSeq, fmt.Errorf("s3blob: archive events encode %d: %w", ev.Seq, err)
			}
			last = ev.Seq
			count++
		}
		if len(page) < eventPageSize {
			break
		}
	}
	if count == 0 {
		return "", afterSeq, nil
	}

	path := eventSegmentPath(afterSeq+1, last)
	if err := a.upload(ctx, path, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", afterSeq, fmt.Errorf("s3blob: archive events: %w", err)
	}
	a.log(ctx, "archive.events", map[string]any{
		"path":  path,
		"from":  afterSeq + 1,
		"to":    last,
		"count": count,
	})
	return path, last, nil
}

// LatestSnapshot downloads the archived snapshot with the highest sequence
// number. It returns domain.ErrNotFound when none has been archived.
func (a *Archiver) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	infos, err := a.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	var paths []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			paths = append(paths, info.Path)
		}
	}
	if len(paths) == 0 {
		return domain.Snapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	sort.Strings(paths)
	path := paths[len(paths)-1]

	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: latest snapshot: %w", err)
	}
	defer body.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ArchivedThrough returns the last sequence number covered by an archived
// journal segment, or 0 when none exists.
func (a *Archiver) ArchivedThrough(ctx context.Context) (uint64, error) {
	infos, err := a.reader.List(ctx, eventPrefix)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archived through: %w", err)
	}
	var last uint64
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(info.Path, eventPrefix), ".jsonl")
		_, to, ok := strings.Cut(name, "-")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(to, 10, 64)
		if err != nil {
			continue
		}
		last = max(last, n)
	}
	return last, nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte, contentType string) error {
	if len(data) >= multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(data), contentType)
}

func (a *Archiver) log(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	// Audit failures do not invalidate an upload that already succeeded.
	_ = a.audit.Log(ctx, event, detail)
}

func snapshotPath(seq uint64) string {
	return fmt.Sprintf("%s%020d.json", snapshotPrefix, seq)
}

func eventSegmentPath(from, to uint64) string {
	return fmt.Sprintf("%s%020d-%020d.jsonl", eventPrefix, from, to)
}

var _ domain.Archiver = (*Archiver)(nil)
