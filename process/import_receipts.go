package main

import (
	"context"
	"flag"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"receiptflow/models"
	"receiptflow/pkg/extract"
	"receiptflow/pkg/parse"
	"receiptflow/pkg/pipeline"
	"receiptflow/pkg/store"
)

// Global DB handle for helper funcs
var db *gorm.DB
var pipe *pipeline.Pipeline
var objStore *store.Store

// global flags (parsed in main)
var verbose bool

func mustInitDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatalf("DB_DSN must be set in environment to run this tool")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return gdb
}

func mustInitPipeline(gdb *gorm.DB) {
	base := os.Getenv("UPLOAD_BASE")
	if base == "" {
		base = "uploads"
	}
	var err error
	objStore, err = store.New(base)
	if err != nil {
		log.Fatalf("failed to initialize object store: %v", err)
	}
	var parser parse.Parser = parse.Noop{}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if g, err := parse.NewGemini(context.Background(), key, os.Getenv("GEMINI_MODEL")); err == nil {
			parser = g
		} else {
			log.Printf("gemini init failed (%v); imported receipts will need manual field entry", err)
		}
	}
	pipe = &pipeline.Pipeline{DB: gdb, Extractor: extract.New(objStore), Parser: parser}
}

// Main: scans a directory of receipt images/documents, stores each one as a
// pending receipt for the given user and runs the pipeline, optional watch mode.
func main() {
	_ = godotenv.Load()
	dirFlag := flag.String("dir", "inbox", "directory to scan for receipt files")
	username := flag.String("username", "", "user to import receipts for")
	dryRun := flag.Bool("dry-run", false, "Skip all DB queries and writes; just list candidate files")
	watch := flag.Bool("watch", false, "Watch directory for new files")
	workers := flag.Int("workers", 0, "Worker pool size (default NumCPU)")
	flag.BoolVar(&verbose, "verbose", false, "Verbose per-file logging")
	flag.Parse()

	if *dryRun {
		log.Printf("Dry-run: scanning %s (no DB interaction)", *dirFlag)
		files := listReceiptFiles(*dirFlag)
		log.Printf("Found %d candidate files", len(files))
		for _, f := range files {
			logV("candidate %s", f)
		}
		return
	}

	db = mustInitDBFromEnv()
	mustInitPipeline(db)
	user := resolveUser(*username)

	files := listReceiptFiles(*dirFlag)
	log.Printf("Scanning %d files (workers=%d)", len(files), effectiveWorkers(*workers))
	runWorkerPool(*dirFlag, user, files, effectiveWorkers(*workers))

	if *watch {
		if err := watchDirectory(*dirFlag, user, effectiveWorkers(*workers)); err != nil {
			log.Fatalf("watch failed: %v", err)
		}
	}
}

func effectiveWorkers(w int) int {
	if w <= 0 {
		return runtime.NumCPU()
	}
	return w
}

func logV(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// resolveUser finds the import target by username.
func resolveUser(username string) models.User {
	if username == "" {
		log.Fatalf("--username is required")
	}
	var u models.User
	if err := db.Where("username = ? AND active = ? AND deleted_at IS NULL", username, true).First(&u).Error; err != nil {
		log.Fatalf("failed to find user %s: %v", username, err)
	}
	return u
}

func listReceiptFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func watchDirectory(dir string, user models.User, workers int) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Printf("Watching %s (debounced) ...", dir)

	fileCh := make(chan string, 256)
	go func() {
		// simple debounce map of pending files
		pending := map[string]time.Time{}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					close(fileCh)
					return
				}
				if ev.Op&fsnotify.Create == fsnotify.Create {
					name := filepath.Base(ev.Name)
					if !isSupportedExt(name) {
						continue
					}
					pending[name] = time.Now()
				}
			case <-ticker.C:
				now := time.Now()
				for name, t := range pending {
					if now.Sub(t) > 300*time.Millisecond { // stable
						fileCh <- name
						delete(pending, name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					close(fileCh)
					return
				}
				log.Printf("watch error: %v", err)
			}
		}
	}()

	// Use worker pool for watch events too
	go runWorkerPool(dir, user, nil, workers, fileCh)
	// block forever (Ctrl+C to exit)
	select {}
}

func isSupportedExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".pdf":
		return true
	}
	return false
}

// worker pool orchestrator
func runWorkerPool(dir string, user models.User, initial []string, workers int, extraCh ...<-chan string) {
	fileCh := make(chan string, 1024)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range fileCh {
				importSingleFile(dir, name, user)
			}
		}()
	}
	// feed initial
	go func() {
		for _, f := range initial {
			fileCh <- f
		}
		// also relay from extra channels if provided
		for _, ch := range extraCh {
			go func(c <-chan string) {
				for n := range c {
					fileCh <- n
				}
			}(ch)
		}
		// if no extraCh (scan only) close when done
		if len(extraCh) == 0 {
			close(fileCh)
		}
	}()
	if len(extraCh) == 0 {
		wg.Wait()
	}
}

// importSingleFile stores one file as a pending receipt, runs the pipeline,
// and moves the source out of the inbox so it is imported only once.
func importSingleFile(dir, name string, user models.User) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("ERROR read %s: %v", path, err)
		return
	}

	ref, err := objStore.Put(data, user.ID, name)
	if err != nil {
		log.Printf("ERROR store %s: %v", name, err)
		return
	}
	receipt := models.Receipt{UserID: user.ID, ImageRef: ref, Status: models.StatusPending}
	if err := db.Create(&receipt).Error; err != nil {
		log.Printf("ERROR create receipt for %s: %v", name, err)
		objStore.Delete(ref)
		return
	}
	uid := user.ID
	pipeline.RecordEvent(db, receipt.ID, models.EventCreated, pipeline.ActorUser(user.ID), &uid, "", nil, nil, map[string]any{"source": "import", "filename": name})
	log.Printf("NEW receipt id=%d file=%s", receipt.ID, name)

	processed, err := pipe.Process(receipt.ID)
	if err != nil {
		log.Printf("WARN pipeline failed for receipt %d (%s): %v", receipt.ID, name, err)
	} else {
		logV("processed receipt id=%d status=%s", processed.ID, processed.Status)
	}

	if err := moveToProcessed(path, dir, name); err != nil {
		log.Printf("WARN failed to move processed file %s: %v", name, err)
	} else {
		logV("moved processed %s", name)
	}
}

// moveToProcessed moves a file from the inbox into <dir>/processed/<name>.
// Large images are downscaled on the way so the archive stays small. It
// attempts an atomic rename and falls back to copy+remove when necessary.
func moveToProcessed(srcFullPath, dir, name string) error {
	const maxBytes = 1_000_000 // 1 MB budget
	processedDir := filepath.Join(dir, "processed")
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(processedDir, name)

	fi, err := os.Stat(srcFullPath)
	if err != nil {
		return err
	}
	// Fast path: already small enough -> attempt rename/copy. PDFs move as-is.
	if fi.Size() <= maxBytes || strings.EqualFold(filepath.Ext(name), ".pdf") {
		if err := os.Rename(srcFullPath, dst); err == nil {
			return nil
		}
		return copyRemove(srcFullPath, dst)
	}
	img, err := imaging.Open(srcFullPath)
	if err != nil { // fallback to raw move if cannot decode
		if err := os.Rename(srcFullPath, dst); err == nil {
			return nil
		}
		return copyRemove(srcFullPath, dst)
	}
	// Estimate scale factor based on sqrt(max/current) (size roughly scales with area)
	scale := math.Sqrt(float64(maxBytes) / float64(fi.Size()))
	if scale > 0.95 {
		scale = 0.95
	}
	if scale < 0.1 {
		scale = 0.1
	}
	w := img.Bounds().Dx()
	newW := int(math.Max(1, math.Round(float64(w)*scale)))
	img = imaging.Resize(img, newW, 0, imaging.Lanczos)
	if err := imaging.Save(img, dst); err != nil {
		if err := os.Rename(srcFullPath, dst); err == nil {
			return nil
		}
		return copyRemove(srcFullPath, dst)
	}
	_ = os.Remove(srcFullPath)
	return nil
}

func copyRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	_ = out.Close()
	return os.Remove(src)
}
