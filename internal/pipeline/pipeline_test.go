package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/imaging"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/service"
)

type fakeInstances struct {
	mu          sync.Mutex
	acquireErr  error
	teardownErr error
	acquired    []service.AcquireRequest
	torn        []*model.InstanceHandle
}

func (f *fakeInstances) GetOrCreate(_ context.Context, req service.AcquireRequest) (*model.InstanceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, req)
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	url := req.ExplicitURL
	if url == "" {
		url = "https://srv-comfyui.runcomfy.com"
	}
	return &model.InstanceHandle{ServerID: "srv", URL: url, Status: model.InstanceReady}, nil
}

func (f *fakeInstances) Teardown(_ context.Context, h *model.InstanceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = append(f.torn, h)
	return f.teardownErr
}

type fakeGenerator struct {
	mu       sync.Mutex
	fail     map[string]bool
	styles   []service.StyleRequest
	upscaled []string
}

func (f *fakeGenerator) GenerateStyle(_ context.Context, _ string, req service.StyleRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.styles = append(f.styles, req)
	if f.fail[req.Name] {
		return nil, errors.New("render failed")
	}
	path := filepath.Join(req.SaveDir, req.Name+"_1.png")
	if err := os.MkdirAll(req.SaveDir, 0o755); err != nil {
		return nil, err
	}
	return []string{path}, os.WriteFile(path, []byte("png"), 0o644)
}

func (f *fakeGenerator) Upscale(_ context.Context, _ string, imagePath, saveDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(imagePath)
	f.upscaled = append(f.upscaled, name)
	if f.fail[name] {
		return "", errors.New("upscale failed")
	}
	path := filepath.Join(saveDir, name)
	return path, os.WriteFile(path, []byte("png"), 0o644)
}

func testConfig(dir string) *config.Config {
	in := func(p string) string { return filepath.Join(dir, p) }
	return &config.Config{
		Instance: config.InstanceConfig{
			Machine:         "medium",
			GenDuration:     2 * time.Hour,
			UpscaleDuration: 4 * time.Hour,
		},
		Styles: map[model.Style]config.StyleConfig{
			model.StyleWatercolor: {},
			model.StyleFlat:       {},
		},
		Paths: config.PathsConfig{
			GenManifest:   in("manifest_gen.csv"),
			RetryManifest: in("manifest_retry.csv"),
			GenOutput:     in("gen"),
			RetryOutput:   in("retry"),
			RunLog:        in("log/run.csv"),
		},
		Tiles:   config.TilesConfig{Width: 8, Height: 8, Columns: 5, Rows: 5},
		PPI:     config.PPIConfig{Value: 300, ShortSide: 10},
		Billing: config.BillingConfig{Type: model.BillingHobby, StartupMinutes: 5},
	}
}

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(step)
		return t
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeInstances, *fakeGenerator, string) {
	t.Helper()
	dir := t.TempDir()
	inst := &fakeInstances{}
	gen := &fakeGenerator{fail: map[string]bool{}}
	p := New(testConfig(dir), inst, gen, afero.NewOsFs())
	p.SetClock(steppingClock(10 * time.Minute))
	return p, inst, gen, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 6), A: 255})
		}
	}
	return img
}

func colorAt(t *testing.T, path string, x, y int) color.NRGBA {
	t.Helper()
	img, _, err := imaging.Open(path)
	require.NoError(t, err)
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestGenerate_SkipsUnknownStyleAndContinuesPastFailure(t *testing.T) {
	p, inst, gen, dir := newTestPipeline(t)
	gen.fail["b_flat_02"] = true

	scenes := []model.Scene{
		{FileName: "a_watercolor_01", Style: model.StyleWatercolor, Prompt: "a fox"},
		{FileName: "b_flat_02", Style: model.StyleFlat, Prompt: "a bear"},
		{FileName: "c_oil_03", Style: "oil", Prompt: "a hare"},
		{FileName: "d_flat_04", Style: model.StyleFlat, Prompt: "an owl"},
	}

	var steps []string
	res, err := p.Generate(context.Background(), scenes, filepath.Join(dir, "out"), RemoteOptions{
		Progress: func(done, total int, step string) error {
			steps = append(steps, step)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"c_oil_03"}, res.Skipped)
	assert.Equal(t, []string{"b_flat_02"}, res.Failed)
	assert.Len(t, res.Files, 2)
	assert.Len(t, gen.styles, 3)
	assert.Equal(t, "a fox", gen.styles[0].Prompt)
	assert.Len(t, steps, 5)
	assert.Equal(t, "Done", steps[4])

	require.Len(t, inst.acquired, 1)
	assert.True(t, inst.acquired[0].AllowProvision)
	assert.Equal(t, "medium", inst.acquired[0].Profile.ServerType)
	assert.Equal(t, 2*time.Hour, inst.acquired[0].Profile.EstimatedDuration)
	assert.Len(t, inst.torn, 1)

	require.NotNil(t, res.Billing)
	assert.Equal(t, "gen", res.Billing.ScriptType)
	assert.Equal(t, 4, res.Billing.ImageCount)

	data, err := os.ReadFile(filepath.Join(dir, "log/run.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "log time,script type"))
	assert.Contains(t, lines[1], ",gen,4,")
}

func TestGenerate_AcquireFailureStillTearsDownAndBills(t *testing.T) {
	p, inst, gen, dir := newTestPipeline(t)
	inst.acquireErr = service.ErrNoInstanceAvailable

	res, err := p.Generate(context.Background(), []model.Scene{{FileName: "a", Style: model.StyleFlat, Prompt: "x"}}, dir, RemoteOptions{NoProvision: true})
	require.ErrorIs(t, err, service.ErrNoInstanceAvailable)
	assert.False(t, inst.acquired[0].AllowProvision)
	assert.Len(t, inst.torn, 1)
	assert.Empty(t, gen.styles)
	require.NotNil(t, res)
	assert.NotNil(t, res.Billing)
}

func TestGenerate_TeardownErrorIsJoined(t *testing.T) {
	p, inst, _, dir := newTestPipeline(t)
	inst.teardownErr = errors.New("delete refused")

	_, err := p.Generate(context.Background(), []model.Scene{{FileName: "a", Style: model.StyleFlat, Prompt: "x"}}, dir, RemoteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete refused")
}

func TestGenerate_KeepAliveSkipsTeardown(t *testing.T) {
	p, inst, _, dir := newTestPipeline(t)

	_, err := p.Generate(context.Background(), []model.Scene{{FileName: "a", Style: model.StyleFlat, Prompt: "x"}}, dir, RemoteOptions{
		ExplicitURL: "http://localhost:8188",
		KeepAlive:   true,
		Machine:     "large",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8188", inst.acquired[0].ExplicitURL)
	assert.Equal(t, "large", inst.acquired[0].Profile.ServerType)
	assert.Empty(t, inst.torn)
}

func TestGenerate_ProgressErrorStopsBatch(t *testing.T) {
	p, inst, gen, dir := newTestPipeline(t)
	stop := errors.New("canceled")

	scenes := []model.Scene{
		{FileName: "a", Style: model.StyleFlat, Prompt: "x"},
		{FileName: "b", Style: model.StyleFlat, Prompt: "y"},
	}
	_, err := p.Generate(context.Background(), scenes, dir, RemoteOptions{
		Progress: func(done, total int, step string) error {
			if done == 1 {
				return stop
			}
			return nil
		},
	})
	require.ErrorIs(t, err, stop)
	assert.Len(t, gen.styles, 1)
	assert.Len(t, inst.torn, 1)
}

func TestGenerateFromManifest_PrefersRetryManifest(t *testing.T) {
	p, _, gen, dir := newTestPipeline(t)
	writeFile(t, filepath.Join(dir, "manifest_gen.csv"), "File Name,Style,Final Prompt\ngen_flat_01,flat,from gen\n")
	writeFile(t, filepath.Join(dir, "manifest_retry.csv"), "File Name,Style,Final Prompt\nretry_flat_01,flat,from retry\n")

	res, err := p.GenerateFromManifest(context.Background(), RemoteOptions{})
	require.NoError(t, err)
	require.Len(t, gen.styles, 1)
	assert.Equal(t, "retry_flat_01", gen.styles[0].Name)
	assert.Equal(t, filepath.Join(dir, "retry"), gen.styles[0].SaveDir)
	assert.Equal(t, 1, res.Processed)
}

func TestGenerateFromManifest_NoManifest(t *testing.T) {
	p, inst, _, _ := newTestPipeline(t)

	_, err := p.GenerateFromManifest(context.Background(), RemoteOptions{})
	require.ErrorIs(t, err, ErrNoManifest)
	assert.Empty(t, inst.acquired)
}

func TestGenerateFromManifest_NoUsableRows(t *testing.T) {
	p, inst, _, dir := newTestPipeline(t)
	writeFile(t, filepath.Join(dir, "manifest_gen.csv"), "File Name,Style,Final Prompt\nblank,flat,\n")

	_, err := p.GenerateFromManifest(context.Background(), RemoteOptions{})
	require.ErrorIs(t, err, ErrNoScenes)
	assert.Empty(t, inst.acquired)
}

func TestUpscale_SkipsExistingAndOrganizes(t *testing.T) {
	p, _, gen, dir := newTestPipeline(t)
	src := filepath.Join(dir, "gen")
	out := filepath.Join(dir, "up")
	writeFile(t, filepath.Join(src, "book_watercolor_01.png"), "x")
	writeFile(t, filepath.Join(src, "book_flat_02.png"), "x")
	writeFile(t, filepath.Join(src, "book_flat_03.png"), "x")
	writeFile(t, filepath.Join(src, "notes.txt"), "x")
	writeFile(t, filepath.Join(out, "flat", "book_flat_02_upscaled.png"), "x")
	gen.fail["book_flat_03.png"] = true

	res, err := p.Upscale(context.Background(), src, out, true, RemoteOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"book_flat_03.png", "book_watercolor_01.png"}, gen.upscaled)
	assert.Equal(t, []string{"book_flat_02.png"}, res.Skipped)
	assert.Equal(t, []string{"book_flat_03.png"}, res.Failed)
	assert.Equal(t, []string{filepath.Join(out, "watercolor", "book_watercolor_01.png")}, res.Files)
	assert.FileExists(t, filepath.Join(out, "watercolor", "book_watercolor_01.png"))
	assert.Equal(t, "upscale", res.Billing.ScriptType)
}

func TestUpscale_NoImages(t *testing.T) {
	p, inst, _, dir := newTestPipeline(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	_, err := p.Upscale(context.Background(), filepath.Join(dir, "empty"), filepath.Join(dir, "up"), false, RemoteOptions{})
	require.ErrorIs(t, err, ErrNoImages)
	assert.Empty(t, inst.acquired)
}

func TestCropThenPaste_RoundTrip(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	manifestPath := filepath.Join(dir, "manifest_inpaint.csv")
	writeFile(t, manifestPath, "File Name,Inpaint X,Inpaint Y\nPage_01,2,3.0\nmissing,1,1\n")

	upscaled := filepath.Join(dir, "upscaled", "flat")
	require.NoError(t, imaging.Save(filepath.Join(upscaled, "page_01_flat.png"), gradient(40, 40)))

	cropDir := filepath.Join(dir, "cropped")
	res, err := p.Crop(manifestPath, filepath.Join(dir, "upscaled"), cropDir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"missing"}, res.Skipped)

	tilePath := filepath.Join(cropDir, "page_01_flat_2_3.png")
	size, err := imaging.ReadSize(tilePath)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 8), size)
	assert.Equal(t, color.NRGBA{R: 48, G: 96, A: 255}, colorAt(t, tilePath, 0, 0))

	// Repair the tile and paste it back.
	red := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range red.Pix {
		if i%4 == 0 || i%4 == 3 {
			red.Pix[i] = 255
		}
	}
	require.NoError(t, imaging.Save(tilePath, red))

	res, err = p.Paste(manifestPath, cropDir, filepath.Join(dir, "upscaled"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	target := filepath.Join(upscaled, "page_01_flat.png")
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, colorAt(t, target, 8, 16))
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, colorAt(t, target, 15, 23))
	assert.Equal(t, color.NRGBA{R: 42, G: 90, A: 255}, colorAt(t, target, 7, 15))
}

func TestPaste_MissingTileIsSkipped(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	manifestPath := filepath.Join(dir, "manifest_inpaint.csv")
	writeFile(t, manifestPath, "File Name,Inpaint X,Inpaint Y\npage_01,1,1\n")
	require.NoError(t, imaging.Save(filepath.Join(dir, "upscaled", "page_01.png"), gradient(40, 40)))

	res, err := p.Paste(manifestPath, filepath.Join(dir, "tiles"), filepath.Join(dir, "upscaled"))
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, []string{"page_01"}, res.Skipped)
}

func TestCrop_TileOutOfRangeFails(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	manifestPath := filepath.Join(dir, "manifest_inpaint.csv")
	writeFile(t, manifestPath, "File Name,Inpaint X,Inpaint Y\npage_01,6,1\n")
	require.NoError(t, imaging.Save(filepath.Join(dir, "upscaled", "page_01.png"), gradient(40, 40)))

	res, err := p.Crop(manifestPath, filepath.Join(dir, "upscaled"), filepath.Join(dir, "cropped"))
	require.NoError(t, err)
	assert.Equal(t, []string{"page_01"}, res.Failed)
}

func TestPPI_MirrorsFoldersAndRecordsFailures(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "ppi")
	temp := filepath.Join(dir, "temp")
	require.NoError(t, imaging.Save(filepath.Join(src, "sub", "wide.png"), gradient(40, 20)))
	writeFile(t, filepath.Join(src, "broken.png"), "not an image")
	writeFile(t, filepath.Join(src, "readme.txt"), "skip me")
	writeFile(t, filepath.Join(src, "cover.webp"), "webp")

	res, err := p.PPI(src, out, temp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"broken.png"}, res.Failed)
	assert.Equal(t, []string{"cover.webp"}, res.Skipped)
	assert.NoFileExists(t, filepath.Join(out, "cover.webp"))

	dst := filepath.Join(out, "sub", "wide.png")
	size, err := imaging.ReadSize(dst)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(20, 10), size)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, 300, imaging.ReadPPI(data))
	assert.FileExists(t, filepath.Join(temp, "sub", "wide.png"))
	assert.NoFileExists(t, filepath.Join(out, "readme.txt"))
}

func TestFix_CopiesListedPrefixes(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	manifestPath := filepath.Join(dir, "manifest_fix.csv")
	writeFile(t, manifestPath, "File Name\nbook_flat_01\nbook_flat_09\n")
	writeFile(t, filepath.Join(dir, "src", "flat", "book_flat_01.png"), "x")
	writeFile(t, filepath.Join(dir, "src", "flat", "book_flat_02.png"), "x")

	res, err := p.Fix(manifestPath, filepath.Join(dir, "src"), filepath.Join(dir, "fix"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"book_flat_09"}, res.Skipped)
	assert.FileExists(t, filepath.Join(dir, "fix", "book_flat_01.png"))
	assert.FileExists(t, filepath.Join(dir, "src", "flat", "book_flat_01.png"))
}

func TestOrganizeByStyle(t *testing.T) {
	p, _, _, dir := newTestPipeline(t)
	writeFile(t, filepath.Join(dir, "book_flat_01.png"), "x")

	res, err := p.OrganizeByStyle(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.FileExists(t, filepath.Join(dir, "flat", "book_flat_01.png"))
}
