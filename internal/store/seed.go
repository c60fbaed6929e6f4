package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/models"
)

// Seed performs the initial database setup: languages, configurations, the
// input-output problem type, and the admin and executioner accounts. It is
// idempotent: if the configuration table is already populated it does
// nothing.
func Seed(ctx context.Context, s Store) error {
	if _, err := s.ConfigurationByKey(ctx, "max_user_submissions"); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	for _, l := range defaultLanguages() {
		if err := s.CreateLanguage(ctx, l); err != nil && !errors.Is(err, ErrIntegrity) {
			return fmt.Errorf("seed language %s: %w", l.Name, err)
		}
	}

	for _, c := range defaultConfigurations() {
		if err := s.SetConfiguration(ctx, c); err != nil {
			return fmt.Errorf("seed configuration %s: %w", c.Key, err)
		}
	}

	ioType := &models.ProblemType{Name: "input-output", EvalScript: "#!/bin/bash\ntest \"$1\" = \"$2\""}
	if err := s.CreateProblemType(ctx, ioType); err != nil && !errors.Is(err, ErrIntegrity) {
		return fmt.Errorf("seed problem type: %w", err)
	}

	seedUsers := []struct {
		username, name, password string
		roles                    []string
	}{
		{"admin", "Admin", "pass", []string{models.RoleOperator}},
		{"exec", "Executioner", "epass", []string{models.RoleExecutioner}},
	}
	for _, su := range seedUsers {
		hashed, err := auth.HashPassword(su.password)
		if err != nil {
			return err
		}
		u := &models.User{Username: su.username, Name: su.name, HashedPassword: hashed, Roles: su.roles}
		if err := s.CreateUser(ctx, u); err != nil && !errors.Is(err, ErrIntegrity) {
			return fmt.Errorf("seed user %s: %w", su.username, err)
		}
	}
	return nil
}

// SeedDevData adds a test contest, contestants, and problems for local
// development. Skipped when CODE_COURT_PRODUCTION is set.
func SeedDevData(ctx context.Context, s Store) error {
	if _, err := s.ContestByName(ctx, "test_contest"); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	contest := &models.Contest{
		Name:         "test_contest",
		ActivateTime: &now,
		StartTime:    now,
		EndTime:      now.Add(2 * time.Hour),
		IsPublic:     true,
	}
	if err := s.CreateContest(ctx, contest); err != nil {
		return fmt.Errorf("seed contest: %w", err)
	}

	hashed, err := auth.HashPassword("pass")
	if err != nil {
		return err
	}
	names := []string{"Fred", "George", "Jenny", "Sam"}
	for i, name := range names {
		u := &models.User{
			Username:       fmt.Sprintf("testuser%d", i+1),
			Name:           name,
			HashedPassword: hashed,
			Roles:          []string{models.RoleDefendant},
		}
		if err := s.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed contestant: %w", err)
		}
		if err := s.AddUserToContest(ctx, u.ID, contest.ID); err != nil {
			return err
		}
	}

	ioType, err := s.ProblemTypeByName(ctx, "input-output")
	if err != nil {
		return err
	}

	problems := []*models.Problem{
		{
			ProblemTypeID:    ioType.ID,
			Slug:             "hello-world",
			Name:             "Hello, World!",
			ProblemStatement: `Print the string "Hello, World!"`,
			SampleInput:      "",
			SampleOutput:     "Hello, World!",
			SecretInput:      "",
			SecretOutput:     "Hello, World!",
			IsEnabled:        true,
		},
		{
			ProblemTypeID:    ioType.ID,
			Slug:             "fizzbuzz",
			Name:             "FizzBuzz",
			ProblemStatement: "Perform fizzbuzz up to the given number",
			SampleInput:      "3",
			SampleOutput:     "1\n2\nFizz",
			SecretInput:      "15",
			SecretOutput:     "1\n2\nFizz\n4\nBuzz\nFizz\n7\n8\nFizz\nBuzz\n11\nFizz\n13\n14\nFizzBuzz\n",
			IsEnabled:        true,
		},
		{
			ProblemTypeID:    ioType.ID,
			Slug:             "fibonacci",
			Name:             "Fibonacci",
			ProblemStatement: "Give the nth number in the Fibonacci sequence",
			SampleInput:      "4",
			SampleOutput:     "3",
			SecretInput:      "5",
			SecretOutput:     "5",
			IsEnabled:        true,
		},
	}
	for _, p := range problems {
		if err := s.CreateProblem(ctx, p); err != nil {
			return fmt.Errorf("seed problem %s: %w", p.Slug, err)
		}
		if err := s.AddProblemToContest(ctx, p.ID, contest.ID); err != nil {
			return err
		}
	}
	return nil
}

func defaultConfigurations() []*models.Configuration {
	return []*models.Configuration{
		{Key: "strict_whitespace_diffing", Val: "False", ValType: models.ConfigBool, Category: "admin"},
		{Key: "contestants_see_sample_output", Val: "True", ValType: models.ConfigBool, Category: "defendant"},
		{Key: "max_user_submissions", Val: "5", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "user_submission_time_limit", Val: "1", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "max_output_length", Val: "10240", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "executor_timeout", Val: "3", ValType: models.ConfigInteger, Category: "admin"},
		{Key: "run_refresh_interval_millseconds", Val: "5000", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "score_refresh_interval_millseconds", Val: "30000", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "misc_refresh_interval_millseconds", Val: "12000", ValType: models.ConfigInteger, Category: "defendant"},
		{Key: "extra_signup_fields", Val: "[]", ValType: models.ConfigJSON, Category: "defendant"},
	}
}

func defaultLanguages() []*models.Language {
	stdin := func(interp string) string {
		return "#!/bin/bash\ncat $input_file | " + interp + " $program_file\nexit $?"
	}
	return []*models.Language{
		{Name: "python", SyntaxMode: "python", IsEnabled: true, RunScript: stdin("python3")},
		{Name: "python2", SyntaxMode: "python", IsEnabled: true, RunScript: stdin("python2")},
		{Name: "perl", SyntaxMode: "perl", IsEnabled: true, RunScript: stdin("perl")},
		{Name: "lua", SyntaxMode: "lua", IsEnabled: true, RunScript: stdin("lua")},
		{Name: "nodejs", SyntaxMode: "javascript", IsEnabled: true, RunScript: stdin("node")},
		{Name: "ruby", SyntaxMode: "ruby", IsEnabled: true, RunScript: stdin("ruby")},
		{Name: "guile", SyntaxMode: "scheme", IsEnabled: true,
			RunScript: stdin("guile --no-auto-compile")},
		{
			Name: "c", SyntaxMode: "clike", IsEnabled: true,
			RunScript: "#!/bin/bash\n" +
				"cp $program_file $scratch_dir/program.c\n" +
				"cd $scratch_dir\n" +
				"gcc -o program $scratch_dir/program.c\n" +
				"if [[ $? != 0 ]]; then\n  exit $?\nfi\n" +
				"cat $input_file | ./program\n" +
				"exit $?",
			DefaultTemplate: "#include <stdio.h>\n\nint main(int argc, const char* argv[]) {\n}\n",
		},
		{
			Name: "c++", SyntaxMode: "clike", IsEnabled: true,
			RunScript: "#!/bin/bash\n" +
				"cp $program_file $scratch_dir/program.cpp\n" +
				"cd $scratch_dir\n" +
				"g++ -o program $scratch_dir/program.cpp\n" +
				"if [[ $? != 0 ]]; then\n  exit $?\nfi\n" +
				"cat $input_file | ./program\n" +
				"exit $?",
			DefaultTemplate: "#include <iostream>\n\nint main() {\n  std::cout << \"Hello World!\";\n}\n",
		},
		{
			Name: "java", SyntaxMode: "clike", IsEnabled: true,
			RunScript: "#!/bin/bash\n" +
				"export PATH=$PATH:/usr/lib/jvm/java-1.8-openjdk/bin\n" +
				"cp $program_file $scratch_dir/Main.java\n" +
				"cd $scratch_dir\n" +
				"javac Main.java\n" +
				"if [[ $? != 0 ]]; then\n  exit $?\nfi\n" +
				"cat $input_file | java Main\n" +
				"exit $?",
			DefaultTemplate: "public class Main {\n    public static void main(String[] args) {\n\n    }\n}\n",
		},
		{
			Name: "rust", SyntaxMode: "rust", IsEnabled: true,
			RunScript: "#!/bin/bash\n" +
				"cp $program_file $scratch_dir/main.rs\n" +
				"cd $scratch_dir\n" +
				"rustc $scratch_dir/main.rs\n" +
				"if [[ $? != 0 ]]; then\n  exit $?\nfi\n" +
				"cat $input_file | ./main\n" +
				"exit $?",
			DefaultTemplate: "fn main() {\n}\n",
		},
	}
}
