package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/skin-api/internal/logging"
	"github.com/Brownie44l1/skin-api/internal/preprocess"
	"github.com/Brownie44l1/skin-api/internal/report"
	"github.com/Brownie44l1/skin-api/internal/repository"
	"github.com/Brownie44l1/skin-api/internal/usecase"
)

type stubPredictor struct {
	probs []float32
	err   error
}

func (s *stubPredictor) Predict(ctx context.Context, input []float32) ([]float32, error) {
	return s.probs, s.err
}

type stubClassifier struct {
	requestID string
	report    report.Report
	err       error
	logs      map[string]*repository.PredictionLog
	resultErr error
}

func (s *stubClassifier) Classify(ctx context.Context, imageB64 string) (string, report.Report, error) {
	return s.requestID, s.report, s.err
}

func (s *stubClassifier) Result(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	log, ok := s.logs[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return log, nil
}

var testProbs = []float32{0.05, 0.1, 0.05, 0.02, 0.08, 0.65, 0.05}

func newRouter(classifier Classifier, maxBodyBytes int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(classifier, maxBodyBytes, zap.NewNop()).RegisterRoutes(r)
	return r
}

func useCaseRouter(p usecase.Predictor) *gin.Engine {
	uc := usecase.NewClassifyUseCase(p, preprocess.New(16, 0), usecase.Options{}, zap.NewNop())
	return newRouter(uc, 1<<20)
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(3, 3, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func postJSON(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestPredict(t *testing.T) {
	r := useCaseRouter(&stubPredictor{probs: testProbs})

	w := postJSON(r, `{"image":"`+pngBase64(t)+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.True(t, strings.HasPrefix(w.Body.String(), `{"akiec":"5.0",`), w.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body, len(report.Labels)+1)
	require.Equal(t, "65.0", body["nv"])
	require.Equal(t, "nv", body[report.InferenceKey])
}

func TestPredictRejectsBadRequests(t *testing.T) {
	r := useCaseRouter(&stubPredictor{probs: testProbs})

	cases := map[string]struct {
		body    string
		message string
	}{
		"malformed json": {`{"image":`, "invalid JSON"},
		"wrong type":     {`{"image":5}`, "invalid JSON"},
		"missing image":  {`{}`, "image is required"},
		"empty image":    {`{"image":""}`, "image is required"},
		"bad base64":     {`{"image":"***"}`, "image is not valid base64"},
		"not an image":   {`{"image":"aGVsbG8="}`, "image could not be decoded"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := postJSON(r, tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Equal(t, tc.message, errorBody(t, w))
		})
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	r := newRouter(&stubClassifier{}, 64)

	w := postJSON(r, `{"image":"`+strings.Repeat("A", 256)+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPredictImageTooLarge(t *testing.T) {
	err := logging.NewOperationError("preprocess.decode_image", "req-1", preprocess.ErrImageTooLarge)
	r := newRouter(&stubClassifier{requestID: "req-1", err: err}, 1<<20)

	w := postJSON(r, `{"image":"AAAA"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}

func TestPredictInternalError(t *testing.T) {
	r := useCaseRouter(&stubPredictor{err: errors.New("onnx exploded")})

	w := postJSON(r, `{"image":"`+pngBase64(t)+`"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "prediction failed", errorBody(t, w))
	require.NotContains(t, w.Body.String(), "onnx")
}

func TestHealth(t *testing.T) {
	r := newRouter(&stubClassifier{}, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(&stubClassifier{}, 1<<20)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestGetPrediction(t *testing.T) {
	rep, err := report.Format(testProbs)
	require.NoError(t, err)
	scores, err := json.Marshal(rep)
	require.NoError(t, err)

	classifier := &stubClassifier{logs: map[string]*repository.PredictionLog{
		"req-1": {
			RequestID:    "req-1",
			ModelVersion: "v1",
			Inference:    "nv",
			Scores:       string(scores),
			CreatedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}}
	r := newRouter(classifier, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/predictions/req-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		RequestID    string            `json:"request_id"`
		ModelVersion string            `json:"model_version"`
		Prediction   map[string]string `json:"prediction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "req-1", body.RequestID)
	require.Equal(t, "v1", body.ModelVersion)
	require.Equal(t, "nv", body.Prediction[report.InferenceKey])

	req = httptest.NewRequest(http.MethodGet, "/predictions/missing", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPredictionHistoryDisabled(t *testing.T) {
	r := useCaseRouter(&stubPredictor{probs: testProbs})

	req := httptest.NewRequest(http.MethodGet, "/predictions/anything", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPredictionLookupFailure(t *testing.T) {
	r := newRouter(&stubClassifier{resultErr: errors.New("db down")}, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/predictions/req-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
