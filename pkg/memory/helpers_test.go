package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatches(t *testing.T) {
	metadata := map[string]any{"userId": "u1", "count": 3}

	assert.True(t, filterMatches(nil, metadata))
	assert.True(t, filterMatches(Filter{"userId": "u1"}, metadata))
	assert.True(t, filterMatches(Filter{"count": "3"}, metadata), "values compare string-coerced")
	assert.False(t, filterMatches(Filter{"userId": "u2"}, metadata))
	assert.False(t, filterMatches(Filter{"missing": "x"}, metadata))
}

func TestStringifyMetadata(t *testing.T) {
	assert.Nil(t, stringifyMetadata(nil))
	out := stringifyMetadata(map[string]any{"a": 1, "b": true, "c": "x"})
	assert.Equal(t, map[string]string{"a": "1", "b": "true", "c": "x"}, out)
}

func TestVectorLiteral(t *testing.T) {
	literal := vectorLiteral([]float32{0.5, -1, 2})
	assert.Equal(t, "[0.5,-1,2]", literal)

	parsed := parseVectorLiteral(literal)
	assert.Equal(t, []float32{0.5, -1, 2}, parsed)

	assert.Nil(t, parseVectorLiteral("[]"))
}

func TestSimilarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}
	c := []float32{0, 1}

	assert.InDelta(t, 1.0, similarity("cosine", a, b), 1e-6)
	assert.InDelta(t, 0.0, similarity("cosine", a, c), 1e-6)
	assert.InDelta(t, 1.0, similarity("l2", a, b), 1e-6)
	assert.InDelta(t, 1.0, similarity("innerproduct", a, b), 1e-6)
	assert.Zero(t, similarity("cosine", nil, b))
	assert.Zero(t, similarity("cosine", a, []float32{1}))
}

func TestMilvusExpr(t *testing.T) {
	assert.Equal(t, `id != ""`, milvusExpr(nil))
	assert.Equal(t, `userId == "u1"`, milvusExpr(Filter{"userId": "u1"}))
	assert.Equal(t,
		`conversationId == "c1" and userId == "u1"`,
		milvusExpr(Filter{"userId": "u1", "conversationId": "c1"}),
		"keys render sorted")
}

func TestTypesenseFilterBy(t *testing.T) {
	assert.Equal(t, "", typesenseFilterBy(nil))
	assert.Equal(t,
		"conversationId:=`c1` && userId:=`u1`",
		typesenseFilterBy(Filter{"userId": "u1", "conversationId": "c1"}))
}

func TestChromaWhere(t *testing.T) {
	assert.Nil(t, chromaWhere(nil))
	assert.Equal(t, map[string]any{"userId": "u1"}, chromaWhere(Filter{"userId": "u1"}))

	multi := chromaWhere(Filter{"a": "1", "b": "2"})
	clauses, ok := multi["$and"].([]map[string]any)
	assert.True(t, ok)
	assert.Len(t, clauses, 2)
}

func TestWeaviateClass(t *testing.T) {
	assert.Equal(t, "Modelkit_memory", weaviateClass("modelkit-memory"))
	assert.Equal(t, "Notes", weaviateClass("Notes"))
	assert.Equal(t, "", weaviateClass(""))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"notes"`, quoteIdent("notes"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
}

func TestSpaceType(t *testing.T) {
	assert.Equal(t, "cosine", Config{}.spaceType())
	assert.Equal(t, "l2", Config{SpaceType: "L2"}.spaceType())
	assert.Equal(t, "innerproduct", Config{SpaceType: "innerproduct"}.spaceType())
	assert.Equal(t, "cosine", Config{SpaceType: "weird"}.spaceType())
}
