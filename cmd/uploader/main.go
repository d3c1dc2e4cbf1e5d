package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skydump-go/internal/cli"
	"skydump-go/pkg/hash"
	"skydump-go/pkg/log"
	"skydump-go/pkg/uploader"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

type uploadFlags struct {
	chunkSize   int64
	parallel    int
	partTimeout time.Duration
	retries     int
	plain       bool
}

var (
	flags    uploadFlags
	fileID   string
	username string
	password string
)

var rootCmd = &cobra.Command{
	Use:           "skydump",
	Short:         "SKY DUMP upload client.",
	Long:          `SKY DUMP upload client. Uploads video files to a SKY DUMP server, splitting large files into parts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// 日志与进度条共用 stdout，默认只输出错误
		level := "error"
		if viper.GetBool("verbose") {
			level = "debug"
		}
		log.Init(level, "console", "")
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file1] [file2] ...",
	Short: "Upload one or more files.",
	Long:  `Upload one or more files. Files up to 95 MiB are sent in a single request, larger files are uploaded in parts.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := uploader.NewQueue()
		driver := newDriver(queue)
		for _, path := range args {
			if _, err := driver.Enqueue(path); err != nil {
				return err
			}
		}
		return run(cmd.Context(), queue, driver.UploadAll)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume --file-id ID [file]",
	Short: "Resume an interrupted multipart upload.",
	Long:  `Resume an interrupted multipart upload. Only parts the server has not acknowledged are uploaded again.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := uploader.NewQueue()
		driver := newDriver(queue)
		it, err := driver.Enqueue(args[0])
		if err != nil {
			return err
		}
		return run(cmd.Context(), queue, func(ctx context.Context) error {
			return driver.Resume(ctx, it.ID, fileID)
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort --file-id ID",
	Short: "Abort a multipart upload.",
	Long:  `Abort a multipart upload. The server discards every uploaded part.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Abort(cmd.Context(), fileID); err != nil {
			return err
		}
		fmt.Printf("Aborted %s\n", fileID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in as the administrator.",
	Long:  `Log in as the administrator. Prints an access token usable with --token.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if username == "" {
			fmt.Print("Username: ")
			fmt.Scanln(&username)
		}
		if password == "" {
			p, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			password = p
		}
		pair, err := newClient().Login(cmd.Context(), username, password)
		if err != nil {
			return err
		}
		fmt.Printf("Access token: %s\n", pair.AccessToken)
		fmt.Printf("Refresh token: %s\n", pair.RefreshToken)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for admin.password_hash.",
	Long:  `Print a bcrypt hash for admin.password_hash. The password is read from the terminal.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if p != confirm {
			return errors.New("passwords do not match")
		}
		hashed, err := hash.HashPassword(p)
		if err != nil {
			return err
		}
		fmt.Println(hashed)
		return nil
	},
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // move to next line after input
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newClient() *uploader.Client {
	return uploader.NewClient(viper.GetString("server"), viper.GetString("token"), nil)
}

func newDriver(queue *uploader.Queue) *uploader.Driver {
	return uploader.NewDriver(newClient(), queue, uploader.Options{
		ChunkSize:   flags.chunkSize,
		Parallelism: flags.parallel,
		PartTimeout: flags.partTimeout,
		MaxAttempts: flags.retries,
	})
}

func run(ctx context.Context, queue *uploader.Queue, fn func(ctx context.Context) error) error {
	err := cli.Run(ctx, queue, flags.plain, fn)
	for _, it := range queue.Items() {
		if it.Status == uploader.StatusSuccess {
			fmt.Printf("%s -> %s/download/%s\n", it.Name, viper.GetString("server"), it.FileID)
		}
	}
	return err
}

func main() {
	rootCmd.AddCommand(uploadCmd, resumeCmd, abortCmd, loginCmd, hashPasswordCmd)

	// ===========
	// 全局 flags
	// ===========
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Server URL (env SKYDUMP_SERVER)")
	rootCmd.PersistentFlags().String("token", "", "Access token (env SKYDUMP_TOKEN)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Print debug logs")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	viper.SetEnvPrefix("SKYDUMP")
	viper.AutomaticEnv()

	// ===============
	// 上传相关 flags
	// ===============
	for _, c := range []*cobra.Command{uploadCmd, resumeCmd} {
		c.Flags().Int64Var(&flags.chunkSize, "chunk-size", uploader.DefaultChunkSize, "Part size in bytes for multipart uploads")
		c.Flags().IntVarP(&flags.parallel, "parallel", "p", 1, "Number of parts uploaded concurrently")
		c.Flags().DurationVar(&flags.partTimeout, "part-timeout", uploader.DefaultPartTimeout, "Timeout for a single request")
		c.Flags().IntVar(&flags.retries, "retries", uploader.DefaultMaxAttempts, "Attempts per part before giving up")
		c.Flags().BoolVar(&flags.plain, "plain", false, "Print plain progress lines instead of progress bars")
	}
	resumeCmd.Flags().StringVar(&fileID, "file-id", "", "fileId of the multipart upload")
	_ = resumeCmd.MarkFlagRequired("file-id")
	abortCmd.Flags().StringVar(&fileID, "file-id", "", "fileId of the multipart upload")
	_ = abortCmd.MarkFlagRequired("file-id")

	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Admin username")
	loginCmd.Flags().StringVar(&password, "password", "", "Admin password, prompted when empty")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
