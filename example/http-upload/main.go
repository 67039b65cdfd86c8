package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ryoeda/partstream"
	httppart "github.com/ryoeda/partstream/http"
)

type config struct {
	ListenAddr     string              `yaml:"listen_addr"`
	UploadDir      string              `yaml:"upload_dir"`
	MaxMemPartSize partstream.DataSize `yaml:"max_mem_part_size"`
}

func loadConfig() (*config, error) {
	c := &config{
		ListenAddr:     ":8080",
		UploadDir:      "uploads",
		MaxMemPartSize: 8 * partstream.MB,
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	return c, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		log.Fatal(err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Post("/upload", func(w http.ResponseWriter, req *http.Request) {
		mreq, err := httppart.NewRequest(req,
			partstream.WithMaxMemPartSize(cfg.MaxMemPartSize),
		)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer mreq.Close()

		files := mreq.Lookup("file")
		if len(files) == 0 {
			http.Error(w, "no file part", http.StatusBadRequest)
			return
		}

		// Parts are fully materialized at this point and safe to save
		// concurrently.
		eg := new(errgroup.Group)
		for _, part := range files {
			eg.Go(func() error {
				return save(cfg.UploadDir, part)
			})
		}
		if err := eg.Wait(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusCreated)
	})
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatal(err)
	}
}

func save(dir string, part *partstream.Part) error {
	body := part.Body()
	defer body.Close()

	name := uuid.NewString() + filepath.Ext(part.FileName())
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, body)

	return err
}
