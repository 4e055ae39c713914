package pointer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMessageKeyLayout verifies the staging key and ts share one UTC timestamp.
func TestNewMessageKeyLayout(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 10, 26, 14, 3, 9, 0, time.FixedZone("CET", 3600))

	aq := NewMessage(SourceOpenAQ, "ingestion", at, 2)
	assert.Equal(t, "openaq/raw/20251026T130309Z.json", aq.S3Key)
	assert.Equal(t, "20251026T130309Z", aq.TS)
	assert.Equal(t, 2, aq.Records)

	inat := NewMessage(SourceINaturalist, "ingestion", at, 0)
	assert.Equal(t, "inat/raw/20251026T130309Z.json", inat.S3Key)
	assert.Equal(t, SourceINaturalist, inat.Source)
}

func TestDecodeRoundTripsEncode(t *testing.T) {
	t.Parallel()

	want := NewMessage(SourceINaturalist, "ingestion", time.Now(), 7)
	body, err := want.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// TestDecode covers defaults and every rejection path.
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantSource Source
		wantErr    bool
	}{
		{name: "missing source defaults", raw: `{"s3_bucket":"b","s3_key":"k"}`, wantSource: SourceOpenAQ},
		{name: "source normalized", raw: `{"source":" OpenAQ ","s3_bucket":"b","s3_key":"k"}`, wantSource: SourceOpenAQ},
		{name: "unknown source kept", raw: `{"source":"ebird","s3_bucket":"b","s3_key":"k"}`, wantSource: Source("ebird")},
		{name: "extra fields allowed", raw: `{"s3_bucket":"b","s3_key":"k","trace":"x"}`, wantSource: SourceOpenAQ},
		{name: "empty body", raw: "  ", wantErr: true},
		{name: "not json", raw: "hello", wantErr: true},
		{name: "array", raw: `[1,2]`, wantErr: true},
		{name: "missing bucket", raw: `{"s3_key":"k"}`, wantErr: true},
		{name: "blank key", raw: `{"s3_bucket":"b","s3_key":"  "}`, wantErr: true},
		{name: "trailing value", raw: `{"s3_bucket":"b","s3_key":"k"} {}`, wantErr: true},
		{name: "records wrong type", raw: `{"s3_bucket":"b","s3_key":"k","records":"two"}`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedPointer))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, msg.Source)
		})
	}
}

func TestSourceKnown(t *testing.T) {
	t.Parallel()

	assert.True(t, SourceOpenAQ.Known())
	assert.True(t, SourceINaturalist.Known())
	assert.False(t, Source("ebird").Known())
}
