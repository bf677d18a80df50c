package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vodhub/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	opts = append([]Option{WithObjectClient(newTestObjects())}, opts...)
	repo, cleanup, err := factory(t, opts...)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres repository unavailable")
	}
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func requireAvailable(t *testing.T, err error, operation string) {
	t.Helper()
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres repository unavailable")
	}
	if err != nil {
		t.Fatalf("%s: %v", operation, err)
	}
}

func scenarioUser(t *testing.T, repo Repository, handle string) models.User {
	t.Helper()
	user, err := repo.CreateUser(CreateUserParams{
		Handle:   handle,
		Email:    handle + "@example.com",
		Password: "supersecret",
	})
	requireAvailable(t, err, "create user "+handle)
	return user
}

func scenarioProcessingVideo(t *testing.T, repo Repository, ownerID string) (models.Video, string) {
	t.Helper()
	video, err := repo.CreateVideo(CreateVideoParams{OwnerID: ownerID, Title: "Upload target"})
	requireAvailable(t, err, "create video")
	issued, err := repo.IssueUploadHandle(IssueUploadHandleParams{
		VideoID:     video.ID,
		RequesterID: ownerID,
		FileName:    "source.mp4",
		ContentType: "video/mp4",
	})
	requireAvailable(t, err, "issue upload handle")
	updated, err := repo.MarkUploadComplete(video.ID, ownerID, issued.StorageKey)
	requireAvailable(t, err, "mark upload complete")
	return updated, issued.StorageKey
}

// RunRepositoryUserLifecycle exercises registration, credential checks, and
// verification against the provided repository.
func RunRepositoryUserLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	user := scenarioUser(t, repo, "alice")
	if user.ID == "" {
		t.Fatal("expected user ID to be set")
	}
	if user.Verified {
		t.Fatal("expected new user to start unverified")
	}

	if _, err := repo.CreateUser(CreateUserParams{Handle: "Alice", Email: "other@example.com", Password: "supersecret"}); !errors.Is(err, ErrDuplicateHandle) {
		t.Fatalf("expected duplicate handle rejection, got %v", err)
	}

	authed, err := repo.AuthenticateUser("alice", "supersecret")
	requireAvailable(t, err, "authenticate user")
	if authed.ID != user.ID {
		t.Fatalf("expected authenticated user %q, got %q", user.ID, authed.ID)
	}
	if _, err := repo.AuthenticateUser("alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	found, ok := repo.FindUserByHandle("ALICE")
	if !ok || found.ID != user.ID {
		t.Fatalf("expected case-insensitive handle lookup to find %q", user.ID)
	}

	verified, err := repo.MarkUserVerified(user.ID)
	requireAvailable(t, err, "mark user verified")
	if !verified.Verified {
		t.Fatal("expected user to be verified")
	}
	stored, ok := repo.GetUser(user.ID)
	if !ok || !stored.Verified {
		t.Fatalf("expected stored user to be verified, got %+v", stored)
	}
}

// RunRepositoryVideoVisibility checks that unpublished videos are masked as
// missing for everyone but the owner and that successful gets count views.
func RunRepositoryVideoVisibility(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "owner")
	stranger := scenarioUser(t, repo, "stranger")

	video, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: "Draft"})
	requireAvailable(t, err, "create video")
	if video.Status != models.StatusPending {
		t.Fatalf("expected new video pending, got %s", video.Status)
	}

	if _, err := repo.GetVideo(video.ID, stranger.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unpublished video masked as not found, got %v", err)
	}
	if _, err := repo.GetVideo(video.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unpublished video hidden from anonymous, got %v", err)
	}

	got, err := repo.GetVideo(video.ID, owner.ID)
	requireAvailable(t, err, "owner get")
	if got.ViewCount != 1 {
		t.Fatalf("expected owner get to count a view, got %d", got.ViewCount)
	}

	published := true
	_, err = repo.UpdateVideo(video.ID, owner.ID, VideoUpdate{Published: &published})
	requireAvailable(t, err, "publish video")

	got, err = repo.GetVideo(video.ID, stranger.ID)
	requireAvailable(t, err, "stranger get after publish")
	if got.ViewCount != 2 {
		t.Fatalf("expected view count 2 after second get, got %d", got.ViewCount)
	}

	peeked, ok := repo.PeekVideo(video.ID)
	if !ok {
		t.Fatal("expected peek to find the video")
	}
	if peeked.ViewCount != 2 {
		t.Fatalf("expected peek to leave view count at 2, got %d", peeked.ViewCount)
	}
}

// RunRepositoryUploadPipeline walks the presign and completion handshake,
// including handle replacement and storage-key validation.
func RunRepositoryUploadPipeline(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "uploader")
	video, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: "Pipeline"})
	requireAvailable(t, err, "create video")

	first, err := repo.IssueUploadHandle(IssueUploadHandleParams{
		VideoID:     video.ID,
		RequesterID: owner.ID,
		FileName:    "take-one.mp4",
		ContentType: "video/mp4",
	})
	requireAvailable(t, err, "issue first handle")
	second, err := repo.IssueUploadHandle(IssueUploadHandleParams{
		VideoID:     video.ID,
		RequesterID: owner.ID,
		FileName:    "take-two.mov",
		ContentType: "video/quicktime",
	})
	requireAvailable(t, err, "issue replacement handle")
	if first.StorageKey == second.StorageKey {
		t.Fatal("expected replacement handle to carry a fresh storage key")
	}

	if _, err := repo.MarkUploadComplete(video.ID, owner.ID, first.StorageKey); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected stale storage key rejection, got %v", err)
	}

	updated, err := repo.MarkUploadComplete(video.ID, owner.ID, second.StorageKey)
	requireAvailable(t, err, "mark upload complete")
	if updated.Status != models.StatusProcessing {
		t.Fatalf("expected processing after completion, got %s", updated.Status)
	}
	if updated.RawSourceKey != second.StorageKey {
		t.Fatalf("expected raw source key %q, got %q", second.StorageKey, updated.RawSourceKey)
	}

	if _, err := repo.MarkUploadComplete(video.ID, owner.ID, second.StorageKey); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected duplicate completion rejection, got %v", err)
	}

	outputs := []models.Output{
		{Quality: "480p", URL: "https://cdn.test/videos/" + video.ID + "/480p.m3u8"},
		{Quality: "720p", URL: "https://cdn.test/videos/" + video.ID + "/720p.m3u8"},
	}
	done, err := repo.CompleteProcessing(video.ID, outputs, "https://cdn.test/videos/"+video.ID+"/index.m3u8")
	requireAvailable(t, err, "complete processing")
	if done.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if len(done.Outputs) != 2 || done.MasterPlaylistURL == "" {
		t.Fatalf("expected recorded outputs and master playlist, got %+v", done)
	}

	if _, err := repo.FailProcessing(video.ID, "late failure"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected terminal status to reject failure webhook, got %v", err)
	}
}

// RunRepositoryProcessingFailure verifies the failure leg of the state
// machine and the status listing used for dispatcher recovery.
func RunRepositoryProcessingFailure(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "producer")
	video, _ := scenarioProcessingVideo(t, repo, owner.ID)

	inFlight, err := repo.ListByStatus(models.StatusProcessing)
	requireAvailable(t, err, "list processing videos")
	found := false
	for _, item := range inFlight {
		if item.ID == video.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q in the processing listing", video.ID)
	}

	failed, err := repo.FailProcessing(video.ID, "transcoder exploded")
	requireAvailable(t, err, "fail processing")
	if failed.Status != models.StatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if failed.ProcessingError != "transcoder exploded" {
		t.Fatalf("expected recorded failure reason, got %q", failed.ProcessingError)
	}
	if len(failed.Outputs) != 0 {
		t.Fatalf("expected failed video to carry no outputs, got %d", len(failed.Outputs))
	}

	outputs := []models.Output{{Quality: "720p", URL: "https://cdn.test/late.m3u8"}}
	if _, err := repo.CompleteProcessing(video.ID, outputs, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected completion after failure to be rejected, got %v", err)
	}
}

// RunRepositoryOwnerMutations asserts that updates and deletes are owner-only
// operations regardless of the backing driver.
func RunRepositoryOwnerMutations(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "editor")
	stranger := scenarioUser(t, repo, "visitor")

	video, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: "Original"})
	requireAvailable(t, err, "create video")

	title := "Hijacked"
	if _, err := repo.UpdateVideo(video.ID, stranger.ID, VideoUpdate{Title: &title}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger update to be forbidden, got %v", err)
	}

	title = "Revised"
	description := "director's cut"
	updated, err := repo.UpdateVideo(video.ID, owner.ID, VideoUpdate{Title: &title, Description: &description})
	requireAvailable(t, err, "owner update")
	if updated.Title != "Revised" || updated.Description != "director's cut" {
		t.Fatalf("unexpected updated record: %+v", updated)
	}

	if err := repo.DeleteVideo(video.ID, stranger.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger delete to be forbidden, got %v", err)
	}
	if err := repo.DeleteVideo(video.ID, owner.ID); err != nil {
		requireAvailable(t, err, "owner delete")
	}
	if _, ok := repo.PeekVideo(video.ID); ok {
		t.Fatal("expected video to be gone after delete")
	}
	if err := repo.DeleteVideo(video.ID, owner.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

// RunRepositoryPagination checks listing totals, page math, and ordering for
// both the public and per-owner listings.
func RunRepositoryPagination(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "prolific")
	other := scenarioUser(t, repo, "bystander")

	published := true
	for i := 0; i < 5; i++ {
		video, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: fmt.Sprintf("Video %d", i)})
		requireAvailable(t, err, "create video")
		_, err = repo.UpdateVideo(video.ID, owner.ID, VideoUpdate{Published: &published})
		requireAvailable(t, err, "publish video")
	}
	_, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: "Draft"})
	requireAvailable(t, err, "create draft")
	_, err = repo.CreateVideo(CreateVideoParams{OwnerID: other.ID, Title: "Unrelated"})
	requireAvailable(t, err, "create unrelated video")

	page, total, err := repo.ListPublished(1, 2)
	requireAvailable(t, err, "list published page 1")
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected total 5 with 2 items, got total %d len %d", total, len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].CreatedAt.After(page[i-1].CreatedAt) {
			t.Fatal("expected published listing ordered newest first")
		}
	}

	tail, total, err := repo.ListPublished(3, 2)
	requireAvailable(t, err, "list published page 3")
	if total != 5 || len(tail) != 1 {
		t.Fatalf("expected final page of 1, got total %d len %d", total, len(tail))
	}
	empty, total, err := repo.ListPublished(4, 2)
	requireAvailable(t, err, "list published past end")
	if total != 5 || len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got total %d len %d", total, len(empty))
	}

	mine, total, err := repo.ListByOwner(owner.ID, 1, 10)
	requireAvailable(t, err, "list by owner")
	if total != 6 || len(mine) != 6 {
		t.Fatalf("expected all six owner videos, got total %d len %d", total, len(mine))
	}
	for _, video := range mine {
		if video.OwnerID != owner.ID {
			t.Fatalf("owner listing leaked video %q owned by %q", video.ID, video.OwnerID)
		}
	}
}

// RunRepositoryViewCountConcurrency fires concurrent gets at one video and
// expects every successful read to be counted exactly once.
func RunRepositoryViewCountConcurrency(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)

	owner := scenarioUser(t, repo, "broadcaster")
	video, err := repo.CreateVideo(CreateVideoParams{OwnerID: owner.ID, Title: "Popular"})
	requireAvailable(t, err, "create video")
	published := true
	_, err = repo.UpdateVideo(video.ID, owner.ID, VideoUpdate{Published: &published})
	requireAvailable(t, err, "publish video")

	const viewers = 10
	var wg sync.WaitGroup
	errs := make(chan error, viewers)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetVideo(video.ID, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent get failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		current, ok := repo.PeekVideo(video.ID)
		if ok && current.ViewCount == viewers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected view count %d, got %d", viewers, current.ViewCount)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
