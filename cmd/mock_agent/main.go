package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flight-for-life/models"
	"flight-for-life/utils"
)

// mock_agent replays JPEG frames against the hub's `POST /alert` endpoint as
// if an inference agent had found a person in each of them.
func main() {
	dir := flag.String("dir", filepath.Join("frames"), "Directory containing JPEG frames to upload (ignored if -file is set)")
	file := flag.String("file", "", "Single JPEG frame to upload (overrides -dir)")
	endpoint := flag.String("url", utils.GetEnv("HUB_URL", "http://localhost:5000")+"/alert", "Alert endpoint")
	drone := flag.String("drone", "1", "Drone id to report the frames for")
	delay := flag.Duration("delay", 2*time.Second, "Delay between uploads when using -dir")
	flag.Parse()

	files, err := resolveFiles(*file, *dir)
	if err != nil {
		log.Fatalf("failed to resolve files: %v", err)
	}
	if len(files) == 0 {
		log.Fatalf("no JPEG files found (file=%s dir=%s)", *file, *dir)
	}

	fmt.Printf("Uploading %d frame(s) for drone %s to %s\n\n", len(files), *drone, *endpoint)
	for idx, path := range files {
		if err := uploadFrame(path, *endpoint, models.DroneID(*drone)); err != nil {
			log.Printf("upload failed for %s: %v\n", path, err)
		}

		if idx < len(files)-1 && *delay > 0 {
			time.Sleep(*delay)
		}
	}
}

func resolveFiles(single, dir string) ([]string, error) {
	if single != "" {
		return []string{single}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

func uploadFrame(path, endpoint string, drone models.DroneID) error {
	fmt.Printf("→ %s\n", filepath.Base(path))

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}

	payload, err := json.Marshal(models.AlertNotify{
		Drone: drone,
		Frame: base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Raised bool `json:"raised"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode alert response: %w", err)
	}

	if result.Raised {
		fmt.Println("   alert raised, drone paused")
	} else {
		fmt.Println("   alert already pending")
	}
	return nil
}
