package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
)

type assignmentTestUploader struct{}

func (s *assignmentTestUploader) Upload(_ context.Context, name string, _ io.Reader) (string, error) {
	return "https://files.test/" + name, nil
}

func setupAssignmentApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Student{}, &models.Assignment{}, &models.Question{}, &models.AssignmentAttempt{}))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	uploader := &assignmentTestUploader{}

	assignmentRepo := repository.NewAssignmentRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	assignmentService := service.NewAssignmentService(assignmentRepo, attemptRepo, studentRepo, validate, uploader, logger)
	attemptQueries := service.NewAttemptQueryService(attemptRepo, nil, time.Minute, 30*time.Minute, logger)

	app := fiber.New()
	assignmentHandler := handler.NewAssignmentHandler(assignmentService, validate, logger)
	attemptHandler := handler.NewAttemptHandler(attemptQueries, validate, logger)

	router.Register(app, config.Config{AppName: "Test", JWTSecret: "secret"}, router.Dependencies{
		AssignmentHandler: assignmentHandler,
		AttemptHandler:    attemptHandler,
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", uint(1))
			c.Locals("user_role", "teacher")
			return c.Next()
		},
	})

	return app, db
}

func createAssignmentRequest(t *testing.T, questions string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("title", "Derivatives Worksheet"))
	require.NoError(t, writer.WriteField("description", "Differentiate each expression and show all steps"))
	require.NoError(t, writer.WriteField("due_date", time.Now().Add(48*time.Hour).Format(time.RFC3339)))
	require.NoError(t, writer.WriteField("questions", questions))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/v1/grading/assignments", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestAssignmentHandlerCreateAndGet(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	questions := `[{"label":"1a","rubric":"award 2 points for the product rule"},{"label":"1b","rubric":"award 3 points for the chain rule"}]`
	resp, err := app.Test(createAssignmentRequest(t, questions))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var createBody struct {
		Success bool                   `json:"success"`
		Data    dto.AssignmentResponse `json:"data"`
		Message string                 `json:"message"`
	}
	decodeResponse(t, resp, &createBody)
	require.True(t, createBody.Success)
	require.NotZero(t, createBody.Data.ID)
	require.Len(t, createBody.Data.Questions, 2)

	getReq := httptest.NewRequest("GET", "/api/v1/grading/assignments/"+strconv.FormatUint(uint64(createBody.Data.ID), 10), nil)
	getResp, err := app.Test(getReq)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, getResp.StatusCode)

	var getBody struct {
		Success bool                   `json:"success"`
		Data    dto.AssignmentResponse `json:"data"`
	}
	decodeResponse(t, getResp, &getBody)
	require.Equal(t, "1a", getBody.Data.Questions[0].Label)
}

func TestAssignmentHandlerListFiltersBySearch(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("title", "Limits Quiz Alpha"))
	require.NoError(t, writer.WriteField("description", "Evaluate each limit and justify convergence"))
	require.NoError(t, writer.WriteField("due_date", time.Now().Add(48*time.Hour).Format(time.RFC3339)))
	require.NoError(t, writer.WriteField("questions", `[{"label":"1a","rubric":"award 2 points for the squeeze theorem"}]`))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/v1/grading/assignments", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	listResp, err := app.Test(httptest.NewRequest("GET", "/api/v1/grading/assignments?search=limits+quiz+alpha&page_size=10", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, listResp.StatusCode)

	var listBody struct {
		Success bool                       `json:"success"`
		Data    dto.AssignmentListResponse `json:"data"`
	}
	decodeResponse(t, listResp, &listBody)
	require.True(t, listBody.Success)
	require.Equal(t, int64(1), listBody.Data.Total)
	require.Len(t, listBody.Data.Items, 1)
	require.Equal(t, "Limits Quiz Alpha", listBody.Data.Items[0].Title)
	require.Equal(t, 10, listBody.Data.PageSize)
}

func TestAssignmentHandlerListRejectsOversizedPageSize(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/grading/assignments?page_size=5000", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAssignmentHandlerCreateRejectsMissingQuestions(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	resp, err := app.Test(createAssignmentRequest(t, ""))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAssignmentHandlerCreateRejectsDuplicateLabels(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	questions := `[{"label":"1a","rubric":"award 2 points"},{"label":"1a","rubric":"award 3 points"}]`
	resp, err := app.Test(createAssignmentRequest(t, questions))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAssignmentHandlerIssueCreatesAttempt(t *testing.T) {
	app, db := setupAssignmentApp(t)

	student := models.Student{Name: "Jane", Email: "jane@example.com"}
	require.NoError(t, db.Create(&student).Error)

	questions := `[{"label":"1a","rubric":"award 2 points for the product rule"}]`
	resp, err := app.Test(createAssignmentRequest(t, questions))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var createBody struct {
		Data dto.AssignmentResponse `json:"data"`
	}
	decodeResponse(t, resp, &createBody)

	issueURL := "/api/v1/grading/assignments/" + strconv.FormatUint(uint64(createBody.Data.ID), 10) +
		"/students/" + strconv.FormatUint(uint64(student.ID), 10) + "/attempts"
	issueResp, err := app.Test(httptest.NewRequest("POST", issueURL, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, issueResp.StatusCode)

	var issueBody struct {
		Success bool                `json:"success"`
		Data    dto.AttemptResponse `json:"data"`
	}
	decodeResponse(t, issueResp, &issueBody)
	require.Equal(t, models.AttemptStatusPending, issueBody.Data.Status)
	require.Nil(t, issueBody.Data.SubmissionDate)

	// Issuing again returns the same attempt.
	again, err := app.Test(httptest.NewRequest("POST", issueURL, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, again.StatusCode)

	var againBody struct {
		Data dto.AttemptResponse `json:"data"`
	}
	decodeResponse(t, again, &againBody)
	require.Equal(t, issueBody.Data.ID, againBody.Data.ID)

	// The pair lookup surfaces the issued attempt.
	pairURL := "/api/v1/grading/attempts/pair?assignment_id=" + strconv.FormatUint(uint64(createBody.Data.ID), 10) +
		"&student_id=" + strconv.FormatUint(uint64(student.ID), 10)
	pairResp, err := app.Test(httptest.NewRequest("GET", pairURL, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, pairResp.StatusCode)
}

func TestAssignmentHandlerIssueUnknownStudent(t *testing.T) {
	app, _ := setupAssignmentApp(t)

	questions := `[{"label":"1a","rubric":"award 2 points for the product rule"}]`
	resp, err := app.Test(createAssignmentRequest(t, questions))
	require.NoError(t, err)

	var createBody struct {
		Data dto.AssignmentResponse `json:"data"`
	}
	decodeResponse(t, resp, &createBody)

	issueURL := "/api/v1/grading/assignments/" + strconv.FormatUint(uint64(createBody.Data.ID), 10) + "/students/99/attempts"
	issueResp, err := app.Test(httptest.NewRequest("POST", issueURL, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, issueResp.StatusCode)
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(data, target))
}
