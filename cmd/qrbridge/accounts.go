package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"qrbridge/internal/channel"
	"qrbridge/internal/channel/wechat"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "渠道账号管理",
	}

	var listGame string
	list := &cobra.Command{
		Use:   "list",
		Short: "列出账号（最近登录的在前）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(nil)
			if err != nil {
				return err
			}
			accts, err := a.store.List(listGame)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UUID\t渠道\t名称\t游戏\t最近登录")
			for _, acct := range accts {
				game := acct.GameID
				if acct.CrossGame || game == "" {
					game = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					acct.UUID, acct.Kind.Label(), acct.DisplayName, game, acct.LastLoginAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&listGame, "game", "", "只列出对该游戏可见的账号")

	rename := &cobra.Command{
		Use:   "rename <uuid> <name>",
		Short: "重命名账号",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(nil)
			if err != nil {
				return err
			}
			if err := a.store.Rename(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "已重命名")
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete <uuid>",
		Aliases: []string{"del"},
		Short:   "删除账号",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(nil)
			if err != nil {
				return err
			}
			if err := a.store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "已删除")
			return nil
		},
	}

	var importGame string
	imp := &cobra.Command{
		Use:       "import <channel>",
		Short:     "打开渠道登录页导入新账号",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"huawei", "xiaomi", "oppo", "vivo", "wechat"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := channel.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(newPromptChooser(cmd.InOrStdin(), cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if kind == channel.KindWeChat {
				go printWeChatQR(ctx, a.factory.WeChat, cmd.OutOrStdout())
			}
			acct, err := a.store.ManualImport(ctx, kind, importGame)
			if err != nil {
				return fmt.Errorf("导入失败: %s", channel.UserMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已导入 %s 账号 %s (%s)\n", kind.Label(), acct.DisplayName, acct.UUID)
			return nil
		},
	}
	imp.Flags().StringVar(&importGame, "game", "", "账号所属游戏 id；为空时对所有游戏可见")

	cmd.AddCommand(list, rename, del, imp)
	return cmd
}

// printWeChatQR 在终端打印微信扫码二维码，二维码刷新时重新打印。
func printWeChatQR(ctx context.Context, board *wechat.Board, out io.Writer) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	shown := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := board.Status()
		if st.QRURL == "" || st.QRURL == shown {
			continue
		}
		q, err := qrcode.New(st.QRURL, qrcode.Low)
		if err != nil {
			continue
		}
		shown = st.QRURL
		fmt.Fprintf(out, "请使用微信扫码：\n%s\n", q.ToSmallString(false))
	}
}
