package nodeworker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"proxy-market/internal/shared/model"
)

// SSHCredentials 部署循环的 SSH 登录凭据
//
// 凭据是全局的（运维统一下发的部署密钥），不跟着节点落库。
type SSHCredentials struct {
	// PrivateKey PEM 格式私钥，优先于密码
	PrivateKey string
	Password   string
}

// SSHInstaller 通过 SSH 引导 Fleet Agent 的安装器
//
// 两种安装方式都幂等：docker 方式先强删旧容器再起新的，
// binary 方式 dpkg 重装同版本是空操作。失败的中间状态重跑即可收敛。
type SSHInstaller struct {
	creds      SSHCredentials
	apiURL     string // 节点 Agent 回连 API Server 的地址
	agentImage string // docker 安装方式使用的镜像
	repo       string // binary 安装方式的发布仓库
}

// NewSSHInstaller 创建 SSH 安装器
func NewSSHInstaller(creds SSHCredentials, apiURL string) *SSHInstaller {
	return &SSHInstaller{
		creds:      creds,
		apiURL:     apiURL,
		agentImage: "proxy-market/fleet-agent",
		repo:       "proxy-market/fleet-agent",
	}
}

// Install 在节点上部署 Fleet Agent，返回安装的版本
func (i *SSHInstaller) Install(ctx context.Context, node *model.Node) (string, error) {
	version := node.TargetAgentVersion
	if version == "" {
		version = "latest"
	}

	client, err := i.connect(node)
	if err != nil {
		return "", fmt.Errorf("ssh connect: %w", err)
	}
	defer client.Close()

	arch, err := remoteExec(client, "dpkg --print-architecture 2>/dev/null || (uname -m | sed 's/x86_64/amd64/;s/aarch64/arm64/')")
	if err != nil {
		return "", fmt.Errorf("detect arch: %w", err)
	}
	arch = strings.TrimSpace(arch)
	log.Printf("[nodeworker] node %s: arch=%s method=%s", node.ID, arch, node.InstallMethod)

	switch node.InstallMethod {
	case model.InstallMethodDocker:
		err = i.installDocker(client, node, version)
	case model.InstallMethodBinary:
		err = i.installBinary(client, node, version, arch)
	default:
		return "", fmt.Errorf("unsupported install method %q", node.InstallMethod)
	}
	if err != nil {
		return "", err
	}

	// Agent 起来后应带着注册令牌回连，这里只验证进程可达
	if _, err := remoteExec(client, i.sudo(node, healthCheckCmd(node.AgentPort))); err != nil {
		return "", fmt.Errorf("agent health check: %w", err)
	}
	return version, nil
}

// installDocker 容器方式：删旧起新
func (i *SSHInstaller) installDocker(client *ssh.Client, node *model.Node, version string) error {
	image := fmt.Sprintf("%s:%s", i.agentImage, version)
	if _, err := remoteExec(client, i.sudo(node, "docker pull "+image)); err != nil {
		return fmt.Errorf("pull agent image: %w", err)
	}

	remoteExec(client, i.sudo(node, "docker rm -f fleet-agent"))

	run := fmt.Sprintf(
		"docker run -d --name fleet-agent --restart unless-stopped "+
			"-p %d:%d -v /var/run/docker.sock:/var/run/docker.sock "+
			"-e NODE_ID='%s' -e AGENT_API_KEY='%s' -e ENROLL_TOKEN='%s' -e API_SERVER_URL='%s' -e AGENT_PORT=%d %s",
		node.AgentPort, node.AgentPort, node.ID, node.AgentAPIKey, node.EnrollToken, i.apiURL, node.AgentPort, image)
	if _, err := remoteExec(client, i.sudo(node, run)); err != nil {
		return fmt.Errorf("start agent container: %w", err)
	}
	return nil
}

// installBinary deb 包方式：下载、安装、写配置、systemd 托管
func (i *SSHInstaller) installBinary(client *ssh.Client, node *model.Node, version, arch string) error {
	debFile := fmt.Sprintf("fleet-agent_%s_%s.deb", version, arch)
	downloadURL := fmt.Sprintf("https://github.com/%s/releases/download/v%s/%s", i.repo, version, debFile)

	download := fmt.Sprintf("wget -q -O /tmp/%s '%s' || curl -sL -o /tmp/%s '%s'",
		debFile, downloadURL, debFile, downloadURL)
	if _, err := remoteExec(client, download); err != nil {
		return fmt.Errorf("download agent package: %w", err)
	}

	install := fmt.Sprintf("DEBIAN_FRONTEND=noninteractive dpkg -i /tmp/%s || apt-get install -f -y", debFile)
	if _, err := remoteExec(client, i.sudo(node, install)); err != nil {
		return fmt.Errorf("install agent package: %w", err)
	}

	configContent := fmt.Sprintf(`agent:
  node_id: %s
  port: %d
  api_key: %s
  enroll_token: %s
  api_server_url: %s
`, node.ID, node.AgentPort, node.AgentAPIKey, node.EnrollToken, i.apiURL)

	writeCmd := fmt.Sprintf("mkdir -p /etc/proxy-market && cat > /etc/proxy-market/fleet-agent.yaml << 'CFGEOF'\n%sCFGEOF", configContent)
	if node.SSHUser != "" && node.SSHUser != "root" {
		writeCmd = fmt.Sprintf("sudo bash -c \"%s\"", writeCmd)
	}
	if _, err := remoteExec(client, writeCmd); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}

	if _, err := remoteExec(client, i.sudo(node, "systemctl enable --now fleet-agent && systemctl restart fleet-agent")); err != nil {
		return fmt.Errorf("start agent service: %w", err)
	}

	remoteExec(client, i.sudo(node, fmt.Sprintf("rm -f /tmp/%s", debFile)))
	return nil
}

// connect 建立到节点的 SSH 连接
func (i *SSHInstaller) connect(node *model.Node) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod
	if i.creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(i.creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid deploy key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if i.creds.Password != "" {
		authMethods = append(authMethods, ssh.Password(i.creds.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	user := node.SSHUser
	if user == "" {
		user = "root"
	}
	port := node.SSHPort
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", node.Address, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, nil
}

// sudo 非 root 用户的命令加 sudo 前缀
func (i *SSHInstaller) sudo(node *model.Node, cmd string) string {
	if node.SSHUser != "" && node.SSHUser != "root" {
		return "sudo " + cmd
	}
	return cmd
}

// remoteExec 在远程主机上执行命令
func remoteExec(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(output), fmt.Errorf("exec %q: %w (output: %s)", cmd, err, string(output))
	}
	return string(output), nil
}

func healthCheckCmd(port int) string {
	return fmt.Sprintf("curl -sf http://127.0.0.1:%d/healthz || wget -q -O- http://127.0.0.1:%d/healthz", port, port)
}

var _ Installer = (*SSHInstaller)(nil)
