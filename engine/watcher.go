package engine

import (
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// The watch directory takes .magnet files: a file named anything ending
// in .magnet whose content is a 40-hex infohash starts a swarm for it.

func readMagnetFile(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	ih := strings.TrimSpace(string(b))
	ih = strings.TrimPrefix(ih, "magnet:?xt=urn:btih:")
	if i := strings.IndexByte(ih, '&'); i >= 0 {
		ih = ih[:i]
	}
	ih = strings.ToLower(ih)
	if _, err := hex.DecodeString(ih); err != nil || len(ih) != 40 {
		return "", fmt.Errorf("%s does not contain an infohash", p)
	}
	return ih, nil
}

// RestoreMagnets scans the watch directory on boot and adds every magnet
// file found.
func (e *Engine) RestoreMagnets() {
	files, _ := filepath.Glob(filepath.Join(e.Config().WatchDirectory, "*.magnet"))
	for _, f := range files {
		ih, err := readMagnetFile(f)
		if err != nil {
			log.Printf("[RestoreMagnets] skipped %s: %v\n", f, err)
			continue
		}
		if err := e.NewSwarm(ih, nil); err == nil {
			log.Printf("[RestoreMagnets] Restored: %s \n", f)
		} else {
			log.Printf("Inital Task: fail to add %s, ERR:%#v\n", f, err)
		}
	}
}

func (e *Engine) StartMagnetWatcher() error {
	if w, err := os.Stat(e.Config().WatchDirectory); os.IsNotExist(err) || (err == nil && !w.IsDir()) {
		return fmt.Errorf("[Watcher] %s is not dir", e.Config().WatchDirectory)
	}

	log.Printf("Magnet Watcher: watching magnet files in %s", e.Config().WatchDirectory)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					baseName := path.Base(event.Name)
					if !strings.HasSuffix(baseName, ".magnet") {
						continue
					}

					if st, err := os.Stat(event.Name); err != nil {
						log.Println(err)
						continue
					} else if st.IsDir() {
						continue
					}

					ih, err := readMagnetFile(event.Name)
					if err != nil {
						log.Printf("Magnet Watcher: %v\n", err)
						continue
					}
					if err := e.NewSwarm(ih, nil); err == nil {
						log.Printf("Magnet Watcher: added %s, file removed\n", event.Name)
						os.Remove(event.Name)
					} else {
						log.Printf("Magnet Watcher: fail to add %s, ERR:%#v\n", event.Name, err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("error:", err)
			case <-e.ctx.Done():
				return
			}
		}
	}()
	return watcher.Add(e.Config().WatchDirectory)
}
