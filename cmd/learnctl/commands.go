package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/permission"
	"github.com/tyemirov/learnauth/pkg/sessionclient"
)

var errCapabilityDenied = errors.New("learnctl.capability_denied")

func newLoginCommand(settings *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an email and password",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			identifier, _ := command.Flags().GetString("identifier")
			return withSession(command, func(session *cliSession) error {
				result := session.manager.Login(command.Context(), identifier, secretFrom(command, settings))
				return printResult(command.OutOrStdout(), result)
			})
		},
	}
	command.Flags().String("identifier", "", "Account email")
	command.Flags().String("secret", "", "Account password (or LEARNCTL_SECRET)")
	return command
}

func newSignupCommand(settings *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			name, _ := command.Flags().GetString("name")
			identifier, _ := command.Flags().GetString("identifier")
			return withSession(command, func(session *cliSession) error {
				result := session.manager.Signup(command.Context(), name, identifier, secretFrom(command, settings))
				return printResult(command.OutOrStdout(), result)
			})
		},
	}
	command.Flags().String("name", "", "Display name")
	command.Flags().String("identifier", "", "Account email")
	command.Flags().String("secret", "", "Account password (or LEARNCTL_SECRET)")
	return command
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and forget it locally",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(session *cliSession) error {
				result := session.manager.Logout(command.Context())
				if !result.Success {
					return errors.New(result.Message)
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), "signed out")
				return writeErr
			})
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(session *cliSession) error {
				subject, restoreErr := session.restore(command.Context(), command.ErrOrStderr())
				if restoreErr != nil {
					return restoreErr
				}
				return printIdentity(command.OutOrStdout(), subject)
			})
		},
	}
}

func newCanCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "can CAPABILITY...",
		Short: "Check whether the signed-in identity holds capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			anyOf, _ := command.Flags().GetBool("any")
			return withSession(command, func(session *cliSession) error {
				subject, restoreErr := session.restore(command.Context(), command.ErrOrStderr())
				if restoreErr != nil {
					return restoreErr
				}
				requirement := permission.RequireAll(arguments...)
				if anyOf {
					requirement = permission.RequireAny(arguments...)
				}
				if !requirement.Evaluate(subject).Allowed() {
					fmt.Fprintln(command.OutOrStdout(), "denied")
					return fmt.Errorf("%w: %v", errCapabilityDenied, arguments)
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), "allowed")
				return writeErr
			})
		},
	}
	command.Flags().Bool("any", false, "Allow when any one capability is held instead of all")
	return command
}

func newProfileCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "profile",
		Short: "Update the username, bio, or links of the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			var update identity.ProfileUpdate
			if command.Flags().Changed("username") {
				username, _ := command.Flags().GetString("username")
				update.Username = &username
			}
			if command.Flags().Changed("bio") {
				bio, _ := command.Flags().GetString("bio")
				update.Bio = &bio
			}
			if command.Flags().Changed("link") {
				links, _ := command.Flags().GetStringSlice("link")
				update.Links = links
			}
			return withRestoredSession(command, func(session *cliSession) error {
				return printResult(command.OutOrStdout(), session.manager.UpdateProfile(command.Context(), update))
			})
		},
	}
	command.Flags().String("username", "", "New username")
	command.Flags().String("bio", "", "New bio")
	command.Flags().StringSlice("link", nil, "Profile link; repeat to set several")
	return command
}

func newUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload KIND PATH",
		Short: "Upload a resume or picture",
		Args:  cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, arguments []string) error {
			kind, kindErr := identity.ParseArtifactKind(arguments[0])
			if kindErr != nil {
				return kindErr
			}
			file, openErr := os.Open(arguments[1])
			if openErr != nil {
				return fmt.Errorf("learnctl.upload.open: %w", openErr)
			}
			defer file.Close()
			return withRestoredSession(command, func(session *cliSession) error {
				return printResult(command.OutOrStdout(), session.manager.UploadArtifact(command.Context(), kind, filepath.Base(arguments[1]), file))
			})
		},
	}
}

func newDeleteArtifactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-artifact KIND",
		Short: "Remove the uploaded resume or picture",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			kind, kindErr := identity.ParseArtifactKind(arguments[0])
			if kindErr != nil {
				return kindErr
			}
			return withRestoredSession(command, func(session *cliSession) error {
				return printResult(command.OutOrStdout(), session.manager.DeleteArtifact(command.Context(), kind))
			})
		},
	}
}

func withSession(command *cobra.Command, run func(session *cliSession) error) error {
	session, openErr := openSession(command)
	if openErr != nil {
		return openErr
	}
	runErr := run(session)
	if finishErr := session.finish(); finishErr != nil && runErr == nil {
		return finishErr
	}
	return runErr
}

func withRestoredSession(command *cobra.Command, run func(session *cliSession) error) error {
	return withSession(command, func(session *cliSession) error {
		if _, restoreErr := session.restore(command.Context(), command.ErrOrStderr()); restoreErr != nil {
			return restoreErr
		}
		return run(session)
	})
}

func secretFrom(command *cobra.Command, settings *viper.Viper) string {
	if command.Flags().Changed("secret") {
		secret, _ := command.Flags().GetString("secret")
		return secret
	}
	return settings.GetString("secret")
}

func printResult(output io.Writer, result sessionclient.Result) error {
	if !result.Success {
		if result.Message == "" {
			return errors.New("learnctl.request_failed")
		}
		return errors.New(result.Message)
	}
	return printIdentity(output, result.Identity)
}

func printIdentity(output io.Writer, subject *identity.Identity) error {
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(subject)
}
