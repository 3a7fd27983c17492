package feedback

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
)

// Column names of the snapshot table. The display layer reads these.
const (
	colID                = "id"
	colTitle             = "title"
	colBody              = "body"
	colAuthor            = "author"
	colState             = "state"
	colURL               = "url"
	colCreatedAt         = "created_at"
	colUpdatedAt         = "updated_at"
	colPage              = "page"
	colIsFormSubmission  = "is_form_submission"
	colRawLabels         = "raw_labels"
	colContentHash       = "content_hash"
	colFeedbackRound     = "feedback_round"
	colSentimentScore    = "sentiment_score"
	colAssignedLabels    = "assigned_labels"
	colOrganisation      = "organisation"
	colEnrichmentVersion = "enrichment_version"
	colEnrichedAt        = "enriched_at"
	colStale             = "stale"
)

var (
	timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

	snapshotSchema = arrow.NewSchema([]arrow.Field{
		{Name: colID, Type: arrow.PrimitiveTypes.Int64},
		{Name: colTitle, Type: arrow.BinaryTypes.String},
		{Name: colBody, Type: arrow.BinaryTypes.String},
		{Name: colAuthor, Type: arrow.BinaryTypes.String},
		{Name: colState, Type: arrow.BinaryTypes.String},
		{Name: colURL, Type: arrow.BinaryTypes.String},
		{Name: colCreatedAt, Type: timestampType},
		{Name: colUpdatedAt, Type: timestampType},
		{Name: colPage, Type: arrow.BinaryTypes.String},
		{Name: colIsFormSubmission, Type: arrow.FixedWidthTypes.Boolean},
		{Name: colRawLabels, Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: colContentHash, Type: arrow.BinaryTypes.String},
		{Name: colFeedbackRound, Type: arrow.PrimitiveTypes.Int32},
		{Name: colSentimentScore, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: colAssignedLabels, Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
		{Name: colOrganisation, Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: colEnrichmentVersion, Type: arrow.PrimitiveTypes.Int64},
		{Name: colEnrichedAt, Type: timestampType, Nullable: true},
		{Name: colStale, Type: arrow.FixedWidthTypes.Boolean},
	}, nil)
)

// encodeSnapshot renders the snapshot as a Parquet file, rows ordered by id.
func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	mem := memory.DefaultAllocator
	b := array.NewRecordBuilder(mem, snapshotSchema)
	defer b.Release()

	field := func(name string) array.Builder {
		return b.Field(snapshotSchema.FieldIndices(name)[0])
	}
	appendStrings := func(lb *array.ListBuilder, ss []string) {
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.StringBuilder)
		for _, s := range ss {
			vb.Append(s)
		}
	}
	ts := func(t time.Time) arrow.Timestamp {
		return arrow.Timestamp(t.UnixMicro())
	}

	for _, iss := range snap.Sorted() {
		field(colID).(*array.Int64Builder).Append(iss.ID)
		field(colTitle).(*array.StringBuilder).Append(iss.Title)
		field(colBody).(*array.StringBuilder).Append(iss.Body)
		field(colAuthor).(*array.StringBuilder).Append(iss.Author)
		field(colState).(*array.StringBuilder).Append(iss.State)
		field(colURL).(*array.StringBuilder).Append(iss.URL)
		field(colCreatedAt).(*array.TimestampBuilder).Append(ts(iss.CreatedAt))
		field(colUpdatedAt).(*array.TimestampBuilder).Append(ts(iss.UpdatedAt))
		field(colPage).(*array.StringBuilder).Append(iss.Page)
		field(colIsFormSubmission).(*array.BooleanBuilder).Append(iss.IsFormSubmission)
		appendStrings(field(colRawLabels).(*array.ListBuilder), iss.RawLabels)
		field(colContentHash).(*array.StringBuilder).Append(iss.ContentHash)
		field(colFeedbackRound).(*array.Int32Builder).Append(int32(iss.FeedbackRound))

		if iss.SentimentScore != nil {
			field(colSentimentScore).(*array.Float64Builder).Append(*iss.SentimentScore)
		} else {
			field(colSentimentScore).(*array.Float64Builder).AppendNull()
		}
		if iss.AssignedLabels != nil {
			appendStrings(field(colAssignedLabels).(*array.ListBuilder), iss.AssignedLabels)
		} else {
			field(colAssignedLabels).(*array.ListBuilder).AppendNull()
		}
		if iss.hasOrganisation() {
			field(colOrganisation).(*array.StringBuilder).Append(iss.Organisation)
		} else {
			field(colOrganisation).(*array.StringBuilder).AppendNull()
		}
		field(colEnrichmentVersion).(*array.Int64Builder).Append(iss.EnrichmentVersion)
		if iss.EnrichedAt != nil {
			field(colEnrichedAt).(*array.TimestampBuilder).Append(ts(*iss.EnrichedAt))
		} else {
			field(colEnrichedAt).(*array.TimestampBuilder).AppendNull()
		}
		field(colStale).(*array.BooleanBuilder).Append(iss.Stale)
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(
		snapshotSchema,
		&buf,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeSnapshot reads a Parquet file written by encodeSnapshot.
func decodeSnapshot(ctx context.Context, data []byte) (*Snapshot, error) {
	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(
		ctx,
		bytes.NewReader(data),
		parquet.NewReaderProperties(mem),
		pqarrow.ArrowReadProperties{},
		mem,
	)
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	defer tbl.Release()

	snap := NewSnapshot()
	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()
	for tr.Next() {
		if err := decodeRecord(tr.Record(), snap); err != nil {
			return nil, err
		}
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("iterate parquet: %w", err)
	}
	return snap, nil
}

func decodeRecord(rec arrow.Record, snap *Snapshot) error {
	col := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("snapshot: missing column %q", name)
		}
		return rec.Column(idx[0]), nil
	}

	cols := make(map[string]arrow.Array, len(snapshotSchema.Fields()))
	for _, f := range snapshotSchema.Fields() {
		c, err := col(f.Name)
		if err != nil {
			return err
		}
		cols[f.Name] = c
	}

	var (
		ids      = cols[colID].(*array.Int64)
		titles   = cols[colTitle].(*array.String)
		bodies   = cols[colBody].(*array.String)
		authors  = cols[colAuthor].(*array.String)
		states   = cols[colState].(*array.String)
		urls     = cols[colURL].(*array.String)
		created  = cols[colCreatedAt].(*array.Timestamp)
		updated  = cols[colUpdatedAt].(*array.Timestamp)
		pages    = cols[colPage].(*array.String)
		forms    = cols[colIsFormSubmission].(*array.Boolean)
		raw      = cols[colRawLabels].(*array.List)
		hashes   = cols[colContentHash].(*array.String)
		rounds   = cols[colFeedbackRound].(*array.Int32)
		scores   = cols[colSentimentScore].(*array.Float64)
		assigned = cols[colAssignedLabels].(*array.List)
		orgs     = cols[colOrganisation].(*array.String)
		versions = cols[colEnrichmentVersion].(*array.Int64)
		enriched = cols[colEnrichedAt].(*array.Timestamp)
		stale    = cols[colStale].(*array.Boolean)
	)

	toTime := func(ts arrow.Timestamp) time.Time {
		return time.UnixMicro(int64(ts)).UTC()
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		iss := &Issue{
			ID:                ids.Value(i),
			Title:             titles.Value(i),
			Body:              bodies.Value(i),
			Author:            authors.Value(i),
			State:             states.Value(i),
			URL:               urls.Value(i),
			CreatedAt:         toTime(created.Value(i)),
			UpdatedAt:         toTime(updated.Value(i)),
			Page:              pages.Value(i),
			IsFormSubmission:  forms.Value(i),
			RawLabels:         listStrings(raw, i),
			ContentHash:       hashes.Value(i),
			FeedbackRound:     int(rounds.Value(i)),
			EnrichmentVersion: versions.Value(i),
			Stale:             stale.Value(i),
		}
		if iss.RawLabels == nil {
			iss.RawLabels = []string{}
		}
		if !scores.IsNull(i) {
			s := scores.Value(i)
			iss.SentimentScore = &s
		}
		if !assigned.IsNull(i) {
			iss.AssignedLabels = listStrings(assigned, i)
			if iss.AssignedLabels == nil {
				iss.AssignedLabels = []string{}
			}
		}
		if !orgs.IsNull(i) {
			iss.Organisation = orgs.Value(i)
		}
		if !enriched.IsNull(i) {
			t := toTime(enriched.Value(i))
			iss.EnrichedAt = &t
		}
		if _, dup := snap.Issues[iss.ID]; dup {
			return fmt.Errorf("snapshot: duplicate id %d", iss.ID)
		}
		snap.Issues[iss.ID] = iss
	}
	return nil
}

func listStrings(l *array.List, i int) []string {
	if l.IsNull(i) {
		return nil
	}
	start, end := l.ValueOffsets(i)
	values := l.ListValues().(*array.String)
	var out []string
	for j := start; j < end; j++ {
		out = append(out, values.Value(int(j)))
	}
	return out
}
