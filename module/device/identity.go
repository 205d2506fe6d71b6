package device

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"SyncCore/logger"

	"github.com/google/uuid"
)

// 设备类别：同类别同一时刻只允许一个活跃会话。
const (
	ClassWeb    = "web"
	ClassMobile = "mobile"
)

const stateFileName = "device_identity.json"

// Identity 生成并持久化"每次安装一个"的设备标识，外加每个进程
// 一个的 tab 标识。纯本地状态，不碰网络。
//
// 状态文件写失败只降级为内存标识（当次进程内仍稳定），不致命。
type Identity struct {
	mu       sync.Mutex
	stateDir string
	ids      map[string]string // class -> deviceID
	tabID    string
	memOnly  bool
}

// NewIdentity 加载（或初始化）状态文件。stateDir 为空时用用户配置目录。
func NewIdentity(stateDir string) *Identity {
	if stateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			stateDir = filepath.Join(dir, "synccore")
		}
	}
	ident := &Identity{
		stateDir: stateDir,
		ids:      make(map[string]string),
		tabID:    "tab_" + uuid.NewString(),
	}
	ident.load()
	return ident
}

func (i *Identity) statePath() string { return filepath.Join(i.stateDir, stateFileName) }

func (i *Identity) load() {
	if i.stateDir == "" {
		i.memOnly = true
		return
	}
	raw, err := os.ReadFile(i.statePath())
	if err != nil {
		return // 首次运行或不可读，懒创建
	}
	var ids map[string]string
	if err := json.Unmarshal(raw, &ids); err != nil {
		logger.Warnf("device: corrupt identity file, regenerating: %v", err)
		return
	}
	i.ids = ids
}

func (i *Identity) persistLocked() {
	if i.memOnly {
		return
	}
	if err := os.MkdirAll(i.stateDir, 0o700); err != nil {
		logger.Warnf("device: cannot create state dir, falling back to in-memory id: %v", err)
		i.memOnly = true
		return
	}
	raw, _ := json.Marshal(i.ids)
	if err := os.WriteFile(i.statePath(), raw, 0o600); err != nil {
		logger.Warnf("device: cannot persist identity, falling back to in-memory id: %v", err)
		i.memOnly = true
	}
}

// DeviceID 返回该设备类别的稳定标识；首次调用时生成并落盘。
func (i *Identity) DeviceID(deviceClass string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if id, ok := i.ids[deviceClass]; ok {
		return id
	}
	id := deviceClass + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	i.ids[deviceClass] = id
	i.persistLocked()
	return id
}

// TabID 返回本进程（浏览器 tab 等价物）的一次性标识。
func (i *Identity) TabID() string {
	return i.tabID
}
