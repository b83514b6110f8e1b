package tabular

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

func record(columns []string, values ...any) domain.RawRecord {
	rec := domain.RawRecord{Columns: columns, Values: map[string]domain.Scalar{}}
	for i, v := range values {
		if v == nil {
			continue
		}
		rec.Values[columns[i]] = domain.ScalarOf(v)
	}
	return rec
}

var tradeColumns = []string{
	"HS Code", "Item Description", "Importer ", "Supplier Name", "origin",
	"Port of Shipment", "Quantity", "UOM", "Import Value in PKR",
}

func TestFullRecordRendersTradeTemplate(t *testing.T) {
	rec := record(tradeColumns, "1006.3010", "Basmati rice", "Acme Foods", "Rice Co", "Thailand", "Karachi", 120.0, "KG", 560000.0)

	docs, err := New(nil).Extract([]domain.RawRecord{rec}, domain.ExtractionPolicy{Mode: domain.ExtractionFullRecord})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Equal(t, "row_0", docs[0].ID)
	assert.Equal(t,
		"HS Code: 1006.3010, Item: Basmati rice, Importer: Acme Foods, Supplier: Rice Co, Origin: Thailand, Port: Karachi, Quantity: 120 KG, Value: 560000 PKR",
		docs[0].Text,
	)
}

func TestFullRecordTextIsNeverEmpty(t *testing.T) {
	records := []domain.RawRecord{
		record(nil),
		record([]string{"unrelated"}, ""),
		record(tradeColumns, "", "", "", "", "", "", nil, nil, nil),
	}
	docs, err := New(nil).Extract(records, domain.ExtractionPolicy{Mode: domain.ExtractionFullRecord})
	require.NoError(t, err)
	require.Len(t, docs, len(records))

	for _, doc := range docs {
		assert.NotEmpty(t, strings.TrimSpace(doc.Text))
		assert.Contains(t, doc.Text, "HS Code: N/A")
		assert.Contains(t, doc.Text, "Quantity: 0 ")
		assert.Contains(t, doc.Text, "Value: 0 PKR")
	}
}

func TestSingleFieldSkipsEmptyRowsWithoutRenumbering(t *testing.T) {
	cols := []string{"Item Description", "HS Code"}
	records := []domain.RawRecord{
		record(cols, "Rice", "1006"),
		record(cols, "", "1007"),
		record(cols, nil, "1008"),
		record(cols, "Wheat", "1001"),
	}

	docs, err := New(nil).Extract(records, domain.ExtractionPolicy{Mode: domain.ExtractionSingleField, Offset: 10})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "row_10", docs[0].ID)
	assert.Equal(t, "Rice", docs[0].Text)
	assert.Equal(t, "row_13", docs[1].ID)
	assert.Equal(t, "Wheat", docs[1].Text)
	assert.Equal(t, domain.NumberValue(3), docs[1].Metadata[domain.MetadataRowIndex])
}

func TestSingleFieldRendersNonStringCanonically(t *testing.T) {
	cols := []string{"Quantity", "Flag"}
	records := []domain.RawRecord{record(cols, 42.5, true)}

	docs, err := New(nil).Extract(records, domain.ExtractionPolicy{Mode: domain.ExtractionSingleField, Field: "Quantity"})
	require.NoError(t, err)
	assert.Equal(t, "42.5", docs[0].Text)

	docs, err = New(nil).Extract(records, domain.ExtractionPolicy{Mode: domain.ExtractionSingleField, Field: "Flag"})
	require.NoError(t, err)
	assert.Equal(t, "true", docs[0].Text)
}

func TestExtractFailsWhenNothingToEmbed(t *testing.T) {
	cols := []string{"Item Description"}
	records := []domain.RawRecord{record(cols, ""), record(cols, nil)}

	_, err := New(nil).Extract(records, domain.ExtractionPolicy{Mode: domain.ExtractionSingleField})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrExtraction))
	assert.True(t, domain.IsKind(err, domain.ErrNoDocumentsExtracted))

	var noDocs *domain.NoDocumentsError
	require.ErrorAs(t, err, &noDocs)
	assert.Equal(t, 2, noDocs.TotalRows)
	assert.Equal(t, domain.DefaultSingleField, noDocs.Field)
}

func TestMetadataIsSanitized(t *testing.T) {
	cols := []string{"Importer ", "Port of Shipment", "  ", "%%", "Qty (KG)", "Empty", "rowIndex"}
	rec := record(cols, "Acme", "Karachi", "ignored", "ignored", 5.0, "", "shadow")

	meta := SanitizeMetadata(rec, 7)

	assert.Equal(t, domain.Metadata{
		"Importer":         domain.StringValue("Acme"),
		"Port_of_Shipment": domain.StringValue("Karachi"),
		"Qty_KG":           domain.NumberValue(5),
		"rowIndex":         domain.NumberValue(7),
	}, meta)
}

func TestSanitizeKeyIsIdempotent(t *testing.T) {
	inputs := []string{
		"Importer ",
		"__HS  Code__",
		"Value (PKR) / unit",
		"Ünïcödé key",
		"a" + strings.Repeat("-", 3) + "b",
		strings.Repeat("x", 49) + " y",
		strings.Repeat("ab ", 40),
		"",
		"___",
	}
	for _, in := range inputs {
		once := SanitizeKey(in)
		assert.Equal(t, once, SanitizeKey(once), "input %q", in)
		assert.LessOrEqual(t, len(once), maxMetadataKeyLen)
		assert.NotContains(t, once, "__")
		assert.False(t, strings.HasPrefix(once, "_") || strings.HasSuffix(once, "_"), "edge underscore in %q", once)
	}
}

func TestSanitizeKeyExamples(t *testing.T) {
	assert.Equal(t, "Importer", SanitizeKey("Importer "))
	assert.Equal(t, "Import_Value_in_PKR", SanitizeKey("Import Value in PKR"))
	assert.Equal(t, "HS_Code", SanitizeKey("__HS  Code__"))
	assert.Equal(t, "", SanitizeKey("%%"))
}

func TestCustomTemplate(t *testing.T) {
	template := domain.FieldTemplate{
		{Label: "Name", Column: "name", Placeholder: "unknown"},
		{Label: "Weight", Column: "kg", Placeholder: "0", Suffix: " kg"},
	}
	rec := record([]string{"name", "kg"}, "Crate", nil)

	docs, err := New(template).Extract([]domain.RawRecord{rec}, domain.ExtractionPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "Name: Crate, Weight: 0 kg", docs[0].Text)
}

func TestNumericZeroIsAValueNotAPlaceholder(t *testing.T) {
	rec := record(tradeColumns, 0.0, "Basmati rice", "", "", "", "", 0.0, "KG", 0.0)

	docs, err := New(nil).Extract([]domain.RawRecord{rec}, domain.ExtractionPolicy{Mode: domain.ExtractionFullRecord})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.Contains(t, docs[0].Text, "HS Code: 0,")
	assert.NotContains(t, docs[0].Text, "HS Code: N/A")
	assert.Contains(t, docs[0].Text, "Quantity: 0 KG")
	assert.Contains(t, docs[0].Text, "Value: 0 PKR")
	assert.Contains(t, docs[0].Text, "Importer: N/A")
}
