package datacite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDcmsRecord = `<?xml version="1.0" encoding="UTF-8"?>
<resource xmlns="http://datacite.org/schema/kernel-4">
  <identifier identifierType="DOI">10.5072/FK2ABC</identifier>
  <titles><title>Example Dataset</title></titles>
</resource>`

func TestRegisterIdentifierPutsDoiAndUrl(t *testing.T) {
	var gotPath, gotBody, gotAuthUser string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, _, _ := r.BasicAuth()
		gotAuthUser = user
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Username: "depositor", Password: "secret"})
	err := c.RegisterIdentifier(context.Background(), "10.5072/FK2ABC", "http://example.org/a")
	require.NoError(t, err)

	assert.Equal(t, "/doi/10.5072/FK2ABC", gotPath)
	assert.Equal(t, "depositor", gotAuthUser)
	assert.Contains(t, gotBody, "doi=10.5072/FK2ABC")
	assert.Contains(t, gotBody, "url=http://example.org/a")
}

func TestRegisterIdentifierFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid doi prefix"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.RegisterIdentifier(context.Background(), "10.5072/FK2ABC", "http://example.org/a")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid doi prefix")
}

func TestUploadMetadataUsesDeltaOverPrev(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.UploadMetadata(context.Background(), "10.5072/FK2ABC",
		map[string]string{"datacite": "<old/>"},
		map[string]string{"datacite": "<new/>"})
	require.NoError(t, err)
	assert.Equal(t, "<new/>", gotBody)
}

func TestUploadMetadataErrorsWithoutDatciteElement(t *testing.T) {
	c := New(Config{BaseURL: "http://unused.example"})
	err := c.UploadMetadata(context.Background(), "10.5072/FK2ABC", map[string]string{}, map[string]string{})
	assert.Error(t, err)
}

func TestValidateDcmsRecordAcceptsWellFormed(t *testing.T) {
	c := New(Config{})
	normalized, err := c.ValidateDcmsRecord(context.Background(), "doi:10.5072/FK2ABC", validDcmsRecord)
	require.NoError(t, err)
	assert.Contains(t, normalized, "<identifier")
}

func TestValidateDcmsRecordRejectsMissingTitle(t *testing.T) {
	record := `<resource xmlns="http://datacite.org/schema/kernel-4">
		<identifier identifierType="DOI">10.5072/FK2ABC</identifier>
		<titles></titles>
	</resource>`
	c := New(Config{})
	_, err := c.ValidateDcmsRecord(context.Background(), "doi:10.5072/FK2ABC", record)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "titles")
}

func TestValidateDcmsRecordRejectsWrongIdentifierType(t *testing.T) {
	record := `<resource xmlns="http://datacite.org/schema/kernel-4">
		<identifier identifierType="URL">10.5072/FK2ABC</identifier>
		<titles><title>x</title></titles>
	</resource>`
	c := New(Config{})
	_, err := c.ValidateDcmsRecord(context.Background(), "doi:10.5072/FK2ABC", record)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateDcmsRecordRejectsMalformedXml(t *testing.T) {
	c := New(Config{})
	_, err := c.ValidateDcmsRecord(context.Background(), "doi:10.5072/FK2ABC", "<resource><unterminated>")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNumActiveOperationsTracksInFlightCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	done := make(chan struct{})
	go func() {
		_ = c.RegisterIdentifier(context.Background(), "10.5072/FK2ABC", "http://example.org/a")
		close(done)
	}()

	require.Eventually(t, func() bool { return c.NumActiveOperations() == 1 }, 1e9, 1e6)
	close(release)
	<-done
	assert.Equal(t, 0, c.NumActiveOperations())
}
