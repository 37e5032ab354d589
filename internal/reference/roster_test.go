package reference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yoohyeon14/essay-ocr-system/internal/gcp"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"google.golang.org/api/option"
)

type rosterServer struct {
	mu     sync.Mutex
	writes map[string]interface{}
}

// newRosterServer serves the "3강" roster; other lessons have no worksheet.
func newRosterServer(t *testing.T) (*SheetRoster, *rosterServer) {
	t.Helper()
	state := &rosterServer{writes: map[string]interface{}{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			if !strings.Contains(r.URL.Path, "'3강'") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Unable to parse range"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"values": [][]string{
				{"학생이름", "담당"},
				{},
				{"고훈서", "김선생"},
				{},
				{"박 지민", "이선생"},
				{"이서윤"},
			}})
		case http.MethodPut:
			var body struct {
				Values [][]interface{} `json:"values"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			path := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			state.mu.Lock()
			state.writes[path] = body.Values[0][0]
			state.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"updatedCells": 1})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)

	service, err := gcp.NewSheetsService(context.Background(), "",
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return NewSheetRoster(service, "sheet-id"), state
}

func TestSheetRoster_Students(t *testing.T) {
	roster, _ := newRosterServer(t)

	students, err := roster.Students(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []models.Student{
		{Row: 3, Name: "고훈서", Teacher: "김선생"},
		{Row: 5, Name: "박 지민", Teacher: "이선생"},
		{Row: 6, Name: "이서윤"},
	}, students)
}

func TestSheetRoster_MissingWorksheetIsEmpty(t *testing.T) {
	roster, _ := newRosterServer(t)

	students, err := roster.Students(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, students)
}

func TestSheetRoster_SaveAnswer(t *testing.T) {
	roster, state := newRosterServer(t)

	require.NoError(t, roster.SaveAnswer(context.Background(), 3, 5, 1, "첫 번째 답"))
	require.NoError(t, roster.SaveAnswer(context.Background(), 3, 5, 2, "두 번째 답"))
	require.NoError(t, roster.SaveAnswer(context.Background(), 3, 5, 3, "ignored"))
	require.NoError(t, roster.SaveAnswer(context.Background(), 3, 0, 1, "ignored"))

	assert.Equal(t, map[string]interface{}{
		"'3강'!H5": "첫 번째 답",
		"'3강'!O5": "두 번째 답",
	}, state.writes)
}

func TestParseRoster_SkipsTitleRows(t *testing.T) {
	students := parseRoster([][]interface{}{
		{"학생이름", "담당"},
		{},
		{"고훈서", "김선생"},
		{" "},
		{"이서윤"},
	})
	assert.Equal(t, []models.Student{
		{Row: 3, Name: "고훈서", Teacher: "김선생"},
		{Row: 5, Name: "이서윤"},
	}, students)

	assert.Empty(t, parseRoster([][]interface{}{{"이름"}}))
}

func TestMatch(t *testing.T) {
	students := []models.Student{
		{Row: 3, Name: "고훈서"},
		{Row: 4, Name: "김민"},
		{Row: 5, Name: "김민준"},
		{Row: 6, Name: "박 지민"},
	}

	cases := map[string]struct {
		name string
		row  int
		ok   bool
	}{
		"exact":               {"김민준", 5, true},
		"exact beats partial": {"김민", 4, true},
		"spacing ignored":     {"박지민", 6, true},
		"truncated header":    {"훈서", 3, true},
		"padded header":       {"고훈서 학생", 3, true},
		"not on roster":       {"최유나", 0, false},
		"blank header":        {"  ", 0, false},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			s, ok := Match(students, c.name)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.row, s.Row)
		})
	}
}

type mockRoster struct {
	mock.Mock
}

func (m *mockRoster) Students(ctx context.Context, lesson int) ([]models.Student, error) {
	args := m.Called(ctx, lesson)
	students, _ := args.Get(0).([]models.Student)
	return students, args.Error(1)
}

func (m *mockRoster) SaveAnswer(ctx context.Context, lesson, row, question int, text string) error {
	return m.Called(ctx, lesson, row, question, text).Error(0)
}

func TestRoster_MemoizesPerLesson(t *testing.T) {
	src := new(mockRoster)
	src.On("Students", mock.Anything, 3).Return([]models.Student{{Row: 3, Name: "고훈서"}}, nil).Once()

	roster := NewRoster(src)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok, err := roster.Find(context.Background(), 3, "고훈서")
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 3, s.Row)
		}()
	}
	wg.Wait()

	_, ok, err := roster.Find(context.Background(), 3, "최유나")
	require.NoError(t, err)
	assert.False(t, ok)
	src.AssertExpectations(t)
}

func TestRoster_DoesNotCacheFailures(t *testing.T) {
	src := new(mockRoster)
	src.On("Students", mock.Anything, 3).Return(nil, models.NewStoreUnavailableError(nil)).Once()
	src.On("Students", mock.Anything, 3).Return([]models.Student{{Row: 4, Name: "이서윤"}}, nil).Once()

	roster := NewRoster(src)
	_, _, err := roster.Find(context.Background(), 3, "이서윤")
	require.Error(t, err)

	s, ok, err := roster.Find(context.Background(), 3, "이서윤")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, s.Row)
}
